package protocol

import (
	"encoding/base64"
	"encoding/json"

	"github.com/wavenet-mesh/wavenet/internal/crypto"
)

// meta is the JSON blob sealed to the recipient inside SecretPacket.Meta.
type meta struct {
	Decrypted bool   `json:"decrypted"`
	Key       string `json:"key"`
	Nonce     string `json:"nonce"`
}

var b64 = base64.StdEncoding

// Encrypt seals p so that only the holder of recipient's private key can
// read it. A fresh body key is generated for every call. On failure the
// result is a null packet.
func Encrypt(p *Packet, recipient crypto.PublicKey) Envelope {
	key, err := crypto.NewSymmetricKey()
	if err != nil {
		return Null("formation error: " + err.Error())
	}
	nonce, body, err := crypto.SealGCM(key, p.Form())
	if err != nil {
		return Null("formation error: " + err.Error())
	}
	blob, err := json.Marshal(meta{
		Decrypted: true,
		Key:       b64.EncodeToString(key),
		Nonce:     b64.EncodeToString(nonce),
	})
	if err != nil {
		return Null("formation error: " + err.Error())
	}
	sealed, err := crypto.Seal(recipient, blob)
	if err != nil {
		return Null("formation error: " + err.Error())
	}
	return &SecretPacket{
		Meta: b64.EncodeToString(sealed),
		Body: b64.EncodeToString(body),
	}
}

// Decrypt opens s with priv. If s was not sealed to priv, or is corrupt, s
// itself is returned: the envelope stays encrypted and keeps travelling.
func Decrypt(s *SecretPacket, priv crypto.PrivateKey) Envelope {
	sealed, err := b64.DecodeString(s.Meta)
	if err != nil {
		return s
	}
	blob, err := crypto.Open(priv, sealed)
	if err != nil {
		return s
	}

	var m meta
	if err := json.Unmarshal(blob, &m); err != nil || !m.Decrypted {
		return s
	}
	key, err := b64.DecodeString(m.Key)
	if err != nil {
		return s
	}
	nonce, err := b64.DecodeString(m.Nonce)
	if err != nil {
		return s
	}
	body, err := b64.DecodeString(s.Body)
	if err != nil {
		return s
	}
	data, err := crypto.OpenGCM(key, nonce, body)
	if err != nil {
		return s
	}
	return Reconstruct(data)
}

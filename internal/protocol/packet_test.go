package protocol

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavenet-mesh/wavenet/internal/crypto"
)

func TestFormReconstructRoundtrip(t *testing.T) {
	tests := []struct {
		name string
		pkt  *Packet
	}{
		{"data", NewPacket(12, 34, TypeData, "hello")},
		{"anonymous", NewPacket(AnonymousID, 7, TypeConnect, `{"protocol":"LOCAL","dest":"9000"}`)},
		{"empty body", NewPacket(1, HubID, TypePing, "")},
		{"unicode", NewPacket(5, 6, TypeData, "señal ≈ ruido <&>")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Reconstruct(tc.pkt.Form())
			require.IsType(t, &Packet{}, got)
			assert.Equal(t, tc.pkt, got)
			assert.Equal(t, tc.pkt.Hash(), got.Hash())
		})
	}
}

func TestSecretPacketReconstruct(t *testing.T) {
	s := &SecretPacket{Meta: "bWV0YQ==", Body: "Ym9keQ=="}
	got := Reconstruct(s.Form())
	require.IsType(t, &SecretPacket{}, got)
	assert.Equal(t, s, got)
}

func TestReconstructMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "hello"},
		{"array", "[1,2]"},
		{"missing enc", `{"src":1,"dest":2,"mtype":"data","body":"x","timestamp":"t"}`},
		{"enc not bool", `{"enc":1,"meta":"a","body":"b"}`},
		{"missing meta", `{"enc":true,"body":"b"}`},
		{"meta not string", `{"enc":true,"meta":5,"body":"b"}`},
		{"missing timestamp", `{"enc":false,"src":1,"dest":2,"mtype":"data","body":"x"}`},
		{"src float", `{"enc":false,"src":1.5,"dest":2,"mtype":"data","body":"x","timestamp":"t"}`},
		{"dest null", `{"enc":false,"src":1,"dest":null,"mtype":"data","body":"x","timestamp":"t"}`},
		{"body number", `{"enc":false,"src":1,"dest":2,"mtype":"data","body":3,"timestamp":"t"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Reconstruct([]byte(tc.data))
			p, ok := got.(*Packet)
			require.True(t, ok, "expected a null packet, got %T", got)
			assert.True(t, p.IsNull())

			_, err := Parse([]byte(tc.data))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestIDRange(t *testing.T) {
	p := NewPacket(math.MaxInt64, AnonymousID, TypeData, "x")
	back, err := Parse(p.Form())
	require.NoError(t, err)
	assert.Equal(t, p, back)

	tooBig := `{"enc":false,"src":18446744073709551615,"dest":2,"mtype":"data","body":"x","timestamp":"t"}`
	got := Reconstruct([]byte(tooBig))
	null, ok := got.(*Packet)
	require.True(t, ok)
	assert.True(t, null.IsNull())
	assert.Contains(t, null.Body, "bad src tag")
}

func TestNullPacket(t *testing.T) {
	n := Null("Timeout")
	assert.True(t, n.IsNull())
	assert.Equal(t, "Timeout", n.Body)
	assert.False(t, NewPacket(1, 2, TypeData, "x").IsNull())
}

func TestDistinctTimestampsDistinctHashes(t *testing.T) {
	a := &Packet{Src: 1, Dest: 2, MType: TypeData, Body: "x", Timestamp: "2024-01-01T00:00:00Z"}
	b := *a
	b.Timestamp = "2024-01-01T00:00:01Z"
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	p := NewPacket(3, 4, TypeData, "lulakibab")
	enc := Encrypt(p, kp.Public)
	s, ok := enc.(*SecretPacket)
	require.True(t, ok, "expected *SecretPacket, got %T", enc)

	// Survives the wire
	wire := Reconstruct(s.Form())
	require.Equal(t, s, wire)

	got := Decrypt(wire.(*SecretPacket), kp.Private)
	require.Equal(t, p, got)
}

func TestDecryptWrongKeyReturnsInput(t *testing.T) {
	kp1, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	kp2, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	s := Encrypt(NewPacket(1, 2, TypeData, "for kp1"), kp1.Public).(*SecretPacket)
	got := Decrypt(s, kp2.Private)
	assert.Same(t, s, got)
}

func TestDecryptCorruptReturnsInput(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	s := Encrypt(NewPacket(1, 2, TypeData, "x"), kp.Public).(*SecretPacket)
	tests := []*SecretPacket{
		{Meta: "!!!not base64", Body: s.Body},
		{Meta: s.Meta, Body: "Ym9ndXM="},
		{Meta: s.Meta, Body: "%%%"},
	}
	for _, bad := range tests {
		assert.Same(t, bad, Decrypt(bad, kp.Private))
	}
}

func TestEncryptFreshKeys(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	p := NewPacket(1, 2, TypeData, "same")
	a := Encrypt(p, kp.Public).(*SecretPacket)
	b := Encrypt(p, kp.Public).(*SecretPacket)
	assert.NotEqual(t, a.Meta, b.Meta)
	assert.NotEqual(t, a.Body, b.Body)
	assert.NotEqual(t, a.Hash(), b.Hash())
}

// Package protocol defines the WaveNet envelope and its wire format.
//
// Every envelope on the wire is a single JSON object. The boolean "enc" tag
// selects one of two variants:
//
//	{"enc":false,"src":..,"dest":..,"mtype":..,"body":..,"timestamp":..}
//	{"enc":true,"meta":..,"body":..}
//
// The plaintext variant is a Packet. The encrypted variant is a SecretPacket,
// whose addressing is only visible to the holder of the recipient's key.
package protocol

import (
	"crypto/sha256"
	"encoding/json"
	"time"
)

const (
	// HubID is the identity reserved for the mesh hub.
	HubID int64 = 0

	// AnonymousID marks a packet whose sender chose not to show itself.
	AnonymousID int64 = -1
)

// Reserved message types.
const (
	TypeError   = "error" // null packet, never routed
	TypeConnect = "connect"
	TypePing    = "ping"
	TypePong    = "pong"
	TypeJoin    = "join"
	TypeRequest = "request"
	TypeAnswer  = "answer"
	TypeData    = "data"
)

// Hash identifies an envelope by content. Two envelopes with the same wire
// form have the same hash.
type Hash [sha256.Size]byte

// Envelope is either a *Packet or a *SecretPacket. The set is closed; use a
// type switch to tell them apart.
type Envelope interface {
	// Form returns the wire representation.
	Form() []byte
	Hash() Hash

	envelope()
}

// Packet is a plaintext, addressed message. IDs are signed 64-bit: node
// IDs live in [1, math.MaxInt64], and a wire ID outside the int64 range
// makes the whole packet malformed.
type Packet struct {
	Src       int64 // AnonymousID when the sender is hidden
	Dest      int64
	MType     string
	Body      string
	Timestamp string // RFC 3339, UTC; part of the packet's identity
}

type plainWire struct {
	Enc       bool   `json:"enc"`
	Src       int64  `json:"src"`
	Dest      int64  `json:"dest"`
	MType     string `json:"mtype"`
	Body      string `json:"body"`
	Timestamp string `json:"timestamp"`
}

// NewPacket creates a packet stamped with the current time.
func NewPacket(src, dest int64, mtype, body string) *Packet {
	return &Packet{
		Src:       src,
		Dest:      dest,
		MType:     mtype,
		Body:      body,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Null returns the sentinel packet used to signal failures and timeouts.
func Null(message string) *Packet {
	return NewPacket(AnonymousID, AnonymousID, TypeError, message)
}

// IsNull reports whether p is a sentinel.
func (p *Packet) IsNull() bool {
	return p.MType == TypeError
}

func (p *Packet) Form() []byte {
	b, _ := json.Marshal(plainWire{
		Enc:       false,
		Src:       p.Src,
		Dest:      p.Dest,
		MType:     p.MType,
		Body:      p.Body,
		Timestamp: p.Timestamp,
	})
	return b
}

func (p *Packet) Hash() Hash { return sha256.Sum256(p.Form()) }

func (p *Packet) String() string { return string(p.Form()) }

func (*Packet) envelope() {}

// SecretPacket is an encrypted envelope. Meta holds the one-time body key
// sealed to the recipient; Body holds the encrypted Packet. Both are base64.
type SecretPacket struct {
	Meta string
	Body string
}

type secretWire struct {
	Enc  bool   `json:"enc"`
	Meta string `json:"meta"`
	Body string `json:"body"`
}

func (s *SecretPacket) Form() []byte {
	b, _ := json.Marshal(secretWire{Enc: true, Meta: s.Meta, Body: s.Body})
	return b
}

func (s *SecretPacket) Hash() Hash { return sha256.Sum256(s.Form()) }

func (s *SecretPacket) String() string { return string(s.Form()) }

func (*SecretPacket) envelope() {}

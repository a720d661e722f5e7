// Package transport defines how envelope bytes move between two endpoints
// and provides the loopback, IP, in-process and acoustic implementations.
//
// A transport knows nothing about the mesh. It sends opaque bytes to a
// descriptor it understands (a port, an {"ip","port"} JSON object, a MAC
// address) and hands every complete inbound message, parsed into an
// envelope, to the callback given to Listen.
package transport

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wavenet-mesh/wavenet/internal/protocol"
)

var (
	ErrUnknownType  = errors.New("transport: unknown protocol type")
	ErrNoEndpoint   = errors.New("transport: instance has no local endpoint")
	ErrListening    = errors.New("transport: already listening")
	ErrNeedsDevice  = errors.New("transport: sound protocol needs a device")
	ErrBadDest      = errors.New("transport: bad destination descriptor")
	ErrNotListening = errors.New("transport: peer is not listening")
)

// MaxEnvelopeSize bounds a single inbound message on stream transports.
const MaxEnvelopeSize = 1 << 20

const (
	defaultDialTimeout = 5 * time.Second
	defaultIOTimeout   = 30 * time.Second
)

// Type names a transport family. The name travels in connect messages so
// the peer can build a matching sender.
type Type int

const (
	Local Type = iota + 1
	IP
	Sound
	Memory
)

var typeNames = map[Type]string{
	Local:  "LOCAL",
	IP:     "IP",
	Sound:  "SOUND",
	Memory: "MEMORY",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType is the inverse of Type.String.
func ParseType(name string) (Type, error) {
	for t, s := range typeNames {
		if s == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, name)
}

// Handler receives every inbound envelope. Malformed input arrives as a null
// packet.
type Handler func(protocol.Envelope)

// Protocol is one transport instance.
type Protocol interface {
	Type() Type

	// Send delivers data to dest. Best-effort transports return nil and
	// report failures through their logger.
	Send(data []byte, dest string) error

	// Listen starts the background receive loop.
	Listen(h Handler) error

	// Kill stops the receive loop and blocks until it has exited.
	Kill() error

	// Public returns the descriptor a peer uses to reach this instance.
	Public() (string, error)
}

// Link is one single-hop delivery path: a destination descriptor and the
// transport that understands it. Links are compared by String.
type Link struct {
	Dest     string
	Protocol Protocol
}

func (l Link) String() string {
	return "|" + l.Protocol.Type().String() + "|" + l.Dest
}

func (l Link) Send(env protocol.Envelope) error {
	return l.Protocol.Send(env.Form(), l.Dest)
}

// Empty returns a send-only instance of t, used when a peer announces
// itself over a transport family this node did not configure. Sound has
// no empty form because it needs exclusive use of a device.
func Empty(t Type, opts ...Option) (Protocol, error) {
	switch t {
	case Local:
		return newStream(Local, "", opts), nil
	case IP:
		return newStream(IP, "", opts), nil
	case Memory:
		return NewMemory("", opts...), nil
	case Sound:
		return nil, ErrNeedsDevice
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownType, t)
}

type options struct {
	log         *zap.Logger
	dialTimeout time.Duration
	ioTimeout   time.Duration
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithIOTimeout bounds how long a single message may take to read or write.
func WithIOTimeout(d time.Duration) Option {
	return func(o *options) { o.ioTimeout = d }
}

func buildOptions(t Type, opts []Option) options {
	o := options{
		dialTimeout: defaultDialTimeout,
		ioTimeout:   defaultIOTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	o.log = o.log.Named("transport").With(zap.Stringer("type", t))
	return o
}

// Package node implements the WaveNet flood engine.
//
// Design:
//   - Every transport runs its own receive loop and hands envelopes to Recv.
//   - Recv drops anything whose hash was already seen, then tries to
//     decrypt it with the local key. A packet addressed to this node goes to
//     the Process callback, which decides whether flooding continues.
//   - Everything else is re-flooded to every neighbor in the form it
//     arrived, so envelopes sealed for someone else stay sealed.
//   - Send records its own hash before flooding so the node never handles
//     its own message when a neighbor echoes it back.
package node

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wavenet-mesh/wavenet/internal/crypto"
	"github.com/wavenet-mesh/wavenet/internal/protocol"
	"github.com/wavenet-mesh/wavenet/internal/seen"
	"github.com/wavenet-mesh/wavenet/internal/transport"
)

// ProcessFunc handles a packet addressed to this node. Returning false stops
// the packet from being flooded further.
type ProcessFunc func(*protocol.Packet) bool

// Config configures a Node.
type Config struct {
	ID        int64
	Keys      *crypto.KeyPair // generated when nil
	Protocols []transport.Protocol
	Process   ProcessFunc

	SeenExpiry time.Duration // dedup window; defaults to seen.DefaultExpiry
	SeenSize   int           // dedup capacity; defaults to seen.DefaultSize

	Logger     *zap.Logger
	Registerer prometheus.Registerer // private registry when nil
}

// Node is the flood engine shared by hubs and mesh nodes.
type Node struct {
	info      *Info
	protocols map[transport.Type]transport.Protocol
	order     []transport.Protocol
	process   ProcessFunc
	seen      *seen.Cache
	metrics   *metrics
	log       *zap.Logger

	mu sync.Mutex
}

// New creates a Node. At most one protocol per transport type is allowed.
func New(cfg Config) (*Node, error) {
	if cfg.Process == nil {
		return nil, errors.New("node: Process callback is required")
	}
	if cfg.Keys == nil {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("node: generate keys: %w", err)
		}
		cfg.Keys = kp
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}

	protocols := make(map[transport.Type]transport.Protocol, len(cfg.Protocols))
	for _, p := range cfg.Protocols {
		if _, dup := protocols[p.Type()]; dup {
			return nil, fmt.Errorf("node: more than one %v protocol", p.Type())
		}
		protocols[p.Type()] = p
	}

	m, err := newMetrics(cfg.Registerer, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("node: register metrics: %w", err)
	}

	return &Node{
		info:      NewInfo(cfg.ID, cfg.Keys),
		protocols: protocols,
		order:     append([]transport.Protocol(nil), cfg.Protocols...),
		process:   cfg.Process,
		seen:      seen.New(cfg.SeenExpiry, cfg.SeenSize),
		metrics:   m,
		log:       cfg.Logger.Named("node").With(zap.Int64("id", cfg.ID)),
	}, nil
}

func (n *Node) Info() *Info { return n.info }

// Protocol returns this node's own instance of transport type t.
func (n *Node) Protocol(t transport.Type) (transport.Protocol, bool) {
	p, ok := n.protocols[t]
	return p, ok
}

// Protocols returns the configured transports in configuration order.
func (n *Node) Protocols() []transport.Protocol {
	return append([]transport.Protocol(nil), n.order...)
}

// Listen starts every transport's receive loop. If one fails, those already
// started are stopped again.
func (n *Node) Listen() error {
	for i, p := range n.order {
		if err := p.Listen(n.Recv); err != nil {
			for _, started := range n.order[:i] {
				started.Kill() //nolint:errcheck
			}
			return fmt.Errorf("node: listen %v: %w", p.Type(), err)
		}
	}
	return nil
}

// Kill stops every transport and waits for their loops to exit.
func (n *Node) Kill() error {
	var err error
	for _, p := range n.order {
		err = multierr.Append(err, p.Kill())
	}
	return err
}

// Recv handles one inbound envelope.
func (n *Node) Recv(env protocol.Envelope) {
	if n.accept(env) {
		n.propagate(env)
	}
}

// accept runs dedup, decryption and local delivery under the node mutex and
// reports whether env should be flooded on.
func (n *Node) accept(env protocol.Envelope) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.metrics.received.Inc()
	if !n.seen.Add(env.Hash()) {
		n.metrics.duplicates.Inc()
		return false
	}

	opened := env
	if s, ok := env.(*protocol.SecretPacket); ok {
		opened = protocol.Decrypt(s, n.info.keys.Private)
	}

	switch p := opened.(type) {
	case *protocol.Packet:
		if p.IsNull() {
			n.metrics.malformed.Inc()
			n.log.Debug("dropped null packet", zap.String("reason", p.Body))
			return false
		}
		if p.Dest == n.info.id {
			n.metrics.delivered.Inc()
			return n.process(p)
		}
	case *protocol.SecretPacket:
		// sealed for someone else
	}
	return true
}

type sendOptions struct {
	key       *crypto.PublicKey
	anonymous bool
}

type SendOption func(*sendOptions)

// WithKey encrypts the packet for the holder of key.
func WithKey(key crypto.PublicKey) SendOption {
	return func(o *sendOptions) { o.key = &key }
}

// Anonymous sends with src = protocol.AnonymousID.
func Anonymous() SendOption {
	return func(o *sendOptions) { o.anonymous = true }
}

// Send builds a packet for dest and floods it to every neighbor.
func (n *Node) Send(dest int64, mtype, body string, opts ...SendOption) error {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	src := n.info.id
	if o.anonymous {
		src = protocol.AnonymousID
	}

	pkt := protocol.NewPacket(src, dest, mtype, body)
	var env protocol.Envelope = pkt
	if o.key != nil {
		env = protocol.Encrypt(pkt, *o.key)
		if p, ok := env.(*protocol.Packet); ok {
			return fmt.Errorf("node: encrypt: %s", p.Body)
		}
	}

	n.mu.Lock()
	n.seen.Add(env.Hash())
	n.mu.Unlock()

	n.metrics.sent.Inc()
	n.propagate(env)
	return nil
}

// SeenLen is the size of the dedup set.
func (n *Node) SeenLen() int { return n.seen.Len() }

func (n *Node) propagate(env protocol.Envelope) {
	n.metrics.propagated.Inc()
	for _, link := range n.info.Neighbors() {
		if err := link.Send(env); err != nil {
			n.metrics.linkErrors.Inc()
			n.log.Warn("send failed", zap.Stringer("link", link), zap.Error(err))
		}
	}
}

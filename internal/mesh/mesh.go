// Package mesh implements the WaveNet control plane on top of the flood
// engine in package node.
//
// A Hub (always ID 0) keeps the key directory. A Node joins by announcing
// its key to the hub and fetching the hub's key back; from then on every
// message it sends is sealed for its recipient, whose key it asks the hub
// for first. Replies travel the same flood as everything else, so blocking
// calls park on a Waiter until the matching reply is delivered.
//
// Handlers run on the transport receive path. Anything that has to send,
// and so might itself block on a key lookup, is handed to a bounded pool.
package mesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wavenet-mesh/wavenet/internal/crypto"
	"github.com/wavenet-mesh/wavenet/internal/directory"
	"github.com/wavenet-mesh/wavenet/internal/node"
	"github.com/wavenet-mesh/wavenet/internal/protocol"
	"github.com/wavenet-mesh/wavenet/internal/transport"
)

const (
	DefaultTimeout    = 20 * time.Second
	DefaultJoinSettle = 500 * time.Millisecond
	DefaultWorkers    = 4
	DefaultQueueDepth = 64
)

var (
	ErrNotJoined = errors.New("mesh: node is not yet joined")
	ErrTimeout   = errors.New("mesh: timed out")
)

// Config configures a Hub or a Node.
type Config struct {
	// ID of a Node; a random positive ID is picked when zero. Ignored by
	// the hub, which is always protocol.HubID.
	ID        int64
	Keys      *crypto.KeyPair
	Protocols []transport.Protocol

	// Plaintext disables key lookups and sends every packet in the clear.
	Plaintext bool

	Timeout    time.Duration // waiter timeout
	JoinSettle time.Duration // pause between join and the first request
	Workers    int
	QueueDepth int

	// Store backs the hub's directory; in-memory when nil.
	Store directory.Store

	SeenExpiry time.Duration
	SeenSize   int

	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

func (c *Config) fill() {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.JoinSettle == 0 {
		c.JoinSettle = DefaultJoinSettle
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type handler func(*protocol.Packet) error

// base is the state both mesh roles share: the flood engine, the waiters
// and the send pool, plus dispatch of locally addressed packets.
type base struct {
	cfg      Config
	node     *node.Node
	waiters  *waiters
	pool     *pool
	handlers map[string]handler
	log      *zap.Logger

	mu sync.Mutex
}

func newBase(id int64, cfg Config, role string) (*base, error) {
	cfg.fill()
	if cfg.Keys == nil {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("mesh: generate keys: %w", err)
		}
		cfg.Keys = kp
	}
	log := cfg.Logger.Named(role).With(zap.Int64("id", id))
	b := &base{
		cfg:     cfg,
		waiters: newWaiters(cfg.Timeout),
		pool:    newPool(cfg.Workers, cfg.QueueDepth, log),
		log:     log,
	}
	n, err := node.New(node.Config{
		ID:         id,
		Keys:       cfg.Keys,
		Protocols:  cfg.Protocols,
		Process:    b.process,
		SeenExpiry: cfg.SeenExpiry,
		SeenSize:   cfg.SeenSize,
		Logger:     cfg.Logger,
		Registerer: cfg.Registerer,
	})
	if err != nil {
		b.pool.close() //nolint:errcheck
		return nil, err
	}
	b.node = n
	return b, nil
}

// process is the node.ProcessFunc of both roles. connect is single-hop;
// everything else keeps flooding.
func (b *base) process(p *protocol.Packet) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.handlers[p.MType]; ok {
		if err := h(p); err != nil {
			b.log.Warn("could not process message",
				zap.String("mtype", p.MType), zap.Int64("src", p.Src), zap.Error(err))
		}
	}
	return p.MType != protocol.TypeConnect
}

func (b *base) ID() int64 { return b.node.Info().ID() }

func (b *base) PublicKey() crypto.PublicKey { return b.node.Info().Keys().Public }

// Engine exposes the underlying flood engine.
func (b *base) Engine() *node.Node { return b.node }

func (b *base) Listen() error {
	if err := b.node.Listen(); err != nil {
		b.log.Error("listen failed", zap.Error(err))
		return err
	}
	b.log.Info("listening", zap.Int("transports", len(b.cfg.Protocols)))
	return nil
}

func (b *base) kill() error {
	b.waiters.closeAll()
	err := b.node.Kill()
	if perr := b.pool.close(); err == nil {
		err = perr
	}
	return err
}

// Connect adds a link to dest over p and announces this end to the peer
// at id, which adds the reverse link. The announcement goes straight down
// the new link and is not flooded.
func (b *base) Connect(id int64, p transport.Protocol, dest string) error {
	link := transport.Link{Dest: dest, Protocol: p}
	b.node.Info().AddNeighbor(link)

	self, err := p.Public()
	if err != nil {
		return fmt.Errorf("mesh: connect: %w", err)
	}
	body, err := json.Marshal(connectBody{Protocol: p.Type().String(), Dest: &self})
	if err != nil {
		return err
	}
	if err := link.Send(protocol.NewPacket(protocol.AnonymousID, id, protocol.TypeConnect, string(body))); err != nil {
		return fmt.Errorf("mesh: connect %v: %w", link, err)
	}
	b.log.Info("connected", zap.Int64("peer", id), zap.Stringer("link", link))
	return nil
}

func (b *base) handleConnect(p *protocol.Packet) error {
	var body connectBody
	if err := decodeBody(p.Body, &body); err != nil {
		return err
	}
	if body.Dest == nil {
		return fmt.Errorf("connect: missing dest")
	}
	t, err := transport.ParseType(body.Protocol)
	if err != nil {
		return err
	}
	proto, ok := b.node.Protocol(t)
	if !ok {
		proto, err = transport.Empty(t, transport.WithLogger(b.cfg.Logger))
		if err != nil {
			return err
		}
	}
	link := transport.Link{Dest: *body.Dest, Protocol: proto}
	if b.node.Info().AddNeighbor(link) {
		b.log.Info("neighbor added", zap.Stringer("link", link))
	}
	return nil
}

func (b *base) handlePong(p *protocol.Packet) error {
	b.waiters.deliver(keyFrom(p.Src, protocol.TypePong), p)
	return nil
}

// ping waits for a pong from id after handing the ping to send.
func (b *base) ping(id int64, send func() error) bool {
	w := b.waiters.register(keyFrom(id, protocol.TypePong))
	if err := send(); err != nil {
		b.waiters.cancel(w)
		b.log.Warn("ping not sent", zap.Int64("peer", id), zap.Error(err))
		return false
	}
	p := w.Recv(0)
	return !p.IsNull() && p.Src == id
}

// await turns a Waiter result into an error when it is a null packet.
func await(w *Waiter, timeout time.Duration) (*protocol.Packet, error) {
	p := w.Recv(timeout)
	if !p.IsNull() {
		return p, nil
	}
	if p.Body == nullClosed {
		return nil, ErrClosed
	}
	return nil, fmt.Errorf("%w: %s", ErrTimeout, p.Body)
}

// Control message bodies. Pointer fields tell a missing tag from a zero
// value.
type (
	connectBody struct {
		Protocol string  `json:"protocol"`
		Dest     *string `json:"dest"`
	}
	idBody struct {
		ID *int64 `json:"id"`
	}
	keyBody struct {
		ID  *int64  `json:"id"`
		PEM *string `json:"pem"`
	}
)

func decodeBody(s string, v any) error {
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("malformed body: %w", err)
	}
	return nil
}

func (k keyBody) parse() (int64, crypto.PublicKey, error) {
	if k.ID == nil || k.PEM == nil {
		return 0, crypto.PublicKey{}, fmt.Errorf("missing id or pem")
	}
	key, err := crypto.ParsePublicKeyPEM(*k.PEM)
	if err != nil {
		return 0, key, err
	}
	return *k.ID, key, nil
}

func encodeKey(id int64, key crypto.PublicKey) string {
	pem := key.PEM()
	b, _ := json.Marshal(keyBody{ID: &id, PEM: &pem})
	return string(b)
}

func encodeID(id int64) string {
	b, _ := json.Marshal(idBody{ID: &id})
	return string(b)
}

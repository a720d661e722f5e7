package mesh

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/wavenet-mesh/wavenet/internal/crypto"
	"github.com/wavenet-mesh/wavenet/internal/node"
	"github.com/wavenet-mesh/wavenet/internal/protocol"
)

// Node is a mesh member. It must Join before it can send anything but
// pings, unless it runs in plaintext mode.
type Node struct {
	*base
	hubKey *crypto.PublicKey // guarded by base.mu
	joined bool              // guarded by base.mu
}

// RandomID returns an ID in [1, math.MaxInt64].
func RandomID() int64 { return rand.Int63n(math.MaxInt64) + 1 }

func NewNode(cfg Config) (*Node, error) {
	id := cfg.ID
	if id == 0 {
		id = RandomID()
	}
	b, err := newBase(id, cfg, "mesh")
	if err != nil {
		return nil, err
	}
	n := &Node{base: b}
	b.handlers = map[string]handler{
		protocol.TypeConnect: b.handleConnect,
		protocol.TypePing:    n.handlePing,
		protocol.TypePong:    b.handlePong,
		protocol.TypeAnswer:  n.handleAnswer,
		protocol.TypeData:    n.handleData,
	}
	return n, nil
}

func (n *Node) Kill() error { return n.kill() }

// HubKey returns the hub's key once the node has joined. Plaintext nodes
// never learn it.
func (n *Node) HubKey() (crypto.PublicKey, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.hubKey == nil {
		return crypto.PublicKey{}, false
	}
	return *n.hubKey, true
}

func (n *Node) Joined() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.joined
}

// Join announces this node's key to the hub, waits for the announcement to
// settle and then fetches the hub's key. A join with an ID the hub already
// knows is dropped by the hub, and the key request then times out.
//
// In plaintext mode there are no keys to fetch: Join only floods the
// announcement.
func (n *Node) Join() error {
	body := encodeKey(n.ID(), n.PublicKey())
	if err := n.node.Send(protocol.HubID, protocol.TypeJoin, body); err != nil {
		return fmt.Errorf("mesh: join: %w", err)
	}
	if n.cfg.Plaintext {
		n.mu.Lock()
		n.joined = true
		n.mu.Unlock()
		n.log.Info("joined", zap.Bool("plaintext", true))
		return nil
	}
	time.Sleep(n.cfg.JoinSettle)

	key, err := n.Request(protocol.HubID)
	if err != nil {
		return fmt.Errorf("mesh: join: %w", err)
	}
	n.mu.Lock()
	n.hubKey = &key
	n.joined = true
	n.mu.Unlock()
	n.log.Info("joined", zap.String("hub", key.Hex()))
	return nil
}

// Request asks the hub for the key of id. The request is sealed for the
// hub once the node has joined.
func (n *Node) Request(id int64) (crypto.PublicKey, error) {
	var opts []node.SendOption
	if key, ok := n.HubKey(); ok && !n.cfg.Plaintext {
		opts = append(opts, node.WithKey(key))
	}

	w := n.waiters.register(keyFrom(id, protocol.TypeAnswer))
	if err := n.node.Send(protocol.HubID, protocol.TypeRequest, encodeID(id), opts...); err != nil {
		n.waiters.cancel(w)
		return crypto.PublicKey{}, fmt.Errorf("mesh: request %d: %w", id, err)
	}
	p, err := await(w, 0)
	if err != nil {
		return crypto.PublicKey{}, fmt.Errorf("mesh: request %d: %w", id, err)
	}

	var body keyBody
	if err := decodeBody(p.Body, &body); err != nil {
		return crypto.PublicKey{}, err
	}
	_, key, err := body.parse()
	if err != nil {
		return key, fmt.Errorf("mesh: request %d: %w", id, err)
	}
	return key, nil
}

// send looks up dest's key and sends one packet sealed for it. It blocks
// for the lookup, so the receive path must go through sends instead.
// Plaintext nodes send straight away, joined or not.
func (n *Node) send(dest int64, mtype, body string) error {
	if n.cfg.Plaintext {
		return n.node.Send(dest, mtype, body)
	}
	hub, joined := n.HubKey()
	if !joined {
		return ErrNotJoined
	}
	key := hub
	if dest != protocol.HubID {
		var err error
		if key, err = n.Request(dest); err != nil {
			return err
		}
	}
	return n.node.Send(dest, mtype, body, node.WithKey(key))
}

func (n *Node) sends(dest int64, mtype, body string) error {
	return n.pool.submit(mtype, func() error { return n.send(dest, mtype, body) })
}

// Ping reports whether id answered a ping within the configured timeout.
// Before joining the ping goes out in plaintext.
func (n *Node) Ping(id int64) bool {
	return n.ping(id, func() error {
		if !n.Joined() || n.cfg.Plaintext {
			return n.node.Send(id, protocol.TypePing, "")
		}
		return n.sends(id, protocol.TypePing, "")
	})
}

// SendData sends body to dest as a data message.
func (n *Node) SendData(dest int64, body string) error {
	if err := n.send(dest, protocol.TypeData, body); err != nil {
		return fmt.Errorf("mesh: send to %d: %w", dest, err)
	}
	return nil
}

// RecvData waits for a data message from anyone and returns its sender and
// body. A zero timeout uses the configured one.
func (n *Node) RecvData(timeout time.Duration) (int64, string, error) {
	return n.recvData(keyAny(protocol.TypeData), timeout)
}

// RecvDataFrom waits for a data message from id. It takes precedence over
// RecvData for messages from id.
func (n *Node) RecvDataFrom(id int64, timeout time.Duration) (int64, string, error) {
	return n.recvData(keyFrom(id, protocol.TypeData), timeout)
}

func (n *Node) recvData(key waitKey, timeout time.Duration) (int64, string, error) {
	p, err := await(n.waiters.register(key), timeout)
	if err != nil {
		return 0, "", err
	}
	return p.Src, p.Body, nil
}

func (n *Node) handlePing(p *protocol.Packet) error {
	return n.sends(p.Src, protocol.TypePong, "")
}

func (n *Node) handleAnswer(p *protocol.Packet) error {
	var body idBody
	if err := decodeBody(p.Body, &body); err != nil {
		return err
	}
	if body.ID == nil {
		return fmt.Errorf("answer: missing id")
	}
	n.waiters.deliver(keyFrom(*body.ID, protocol.TypeAnswer), p)
	return nil
}

// handleData prefers a waiter on the sender over a wildcard one; with no
// waiter at all the message is dropped.
func (n *Node) handleData(p *protocol.Packet) error {
	if n.waiters.deliver(keyFrom(p.Src, protocol.TypeData), p) {
		return nil
	}
	if !n.waiters.deliver(keyAny(protocol.TypeData), p) {
		n.log.Debug("data dropped, nobody waiting", zap.Int64("src", p.Src))
	}
	return nil
}

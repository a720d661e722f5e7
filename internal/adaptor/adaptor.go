// Package adaptor narrows the mesh API to what applications use and
// checks the lifecycle on every call: nothing works until Run, and
// nothing works again after Kill.
package adaptor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wavenet-mesh/wavenet/internal/mesh"
	"github.com/wavenet-mesh/wavenet/internal/transport"
)

// DefaultRecvTimeout applies to Listen and Recv when no timeout is given.
const DefaultRecvTimeout = time.Hour

var (
	ErrNotRunning     = errors.New("adaptor: not running")
	ErrAlreadyRunning = errors.New("adaptor: already running")
	ErrKilled         = errors.New("adaptor: already killed")
	ErrNoProtocols    = errors.New("adaptor: at least one protocol is required")
)

type state int

const (
	idle state = iota
	running
	killed
)

// lifecycle is the running flag shared by both adaptors.
type lifecycle struct {
	mu    sync.Mutex
	state state
}

func (l *lifecycle) start(listen func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case running:
		return ErrAlreadyRunning
	case killed:
		return ErrKilled
	}
	if err := listen(); err != nil {
		return err
	}
	l.state = running
	return nil
}

func (l *lifecycle) stop(kill func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != running {
		return ErrNotRunning
	}
	l.state = killed
	return kill()
}

func (l *lifecycle) check() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != running {
		return ErrNotRunning
	}
	return nil
}

func orDefault(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultRecvTimeout
	}
	return timeout
}

// BasicHub runs a hub. Once running it needs nothing else; Ping is there
// for liveness checks.
type BasicHub struct {
	lifecycle
	hub *mesh.Hub
}

func NewBasicHub(cfg mesh.Config) (*BasicHub, error) {
	if len(cfg.Protocols) == 0 {
		return nil, ErrNoProtocols
	}
	h, err := mesh.NewHub(cfg)
	if err != nil {
		return nil, fmt.Errorf("adaptor: %w", err)
	}
	return &BasicHub{hub: h}, nil
}

func (h *BasicHub) Run() error  { return h.start(h.hub.Listen) }
func (h *BasicHub) Kill() error { return h.stop(h.hub.Kill) }

// Hub returns the wrapped hub.
func (h *BasicHub) Hub() *mesh.Hub { return h.hub }

func (h *BasicHub) Ping(id int64) (bool, error) {
	if err := h.check(); err != nil {
		return false, err
	}
	return h.hub.Ping(id), nil
}

// BasicNode runs a mesh node. Run it, Connect it to a neighbor, Join, and
// it is ready to Send and Listen. Safe for concurrent use.
type BasicNode struct {
	lifecycle
	node *mesh.Node
}

func NewBasicNode(cfg mesh.Config) (*BasicNode, error) {
	if len(cfg.Protocols) == 0 {
		return nil, ErrNoProtocols
	}
	n, err := mesh.NewNode(cfg)
	if err != nil {
		return nil, fmt.Errorf("adaptor: %w", err)
	}
	return &BasicNode{node: n}, nil
}

func (n *BasicNode) Run() error  { return n.start(n.node.Listen) }
func (n *BasicNode) Kill() error { return n.stop(n.node.Kill) }

// Node returns the wrapped mesh node.
func (n *BasicNode) Node() *mesh.Node { return n.node }

func (n *BasicNode) MyID() int64 { return n.node.ID() }

func (n *BasicNode) Connect(id int64, p transport.Protocol, dest string) error {
	if err := n.check(); err != nil {
		return err
	}
	return n.node.Connect(id, p, dest)
}

func (n *BasicNode) Join() error {
	if err := n.check(); err != nil {
		return err
	}
	return n.node.Join()
}

func (n *BasicNode) Send(dest int64, msg string) error {
	if err := n.check(); err != nil {
		return err
	}
	return n.node.SendData(dest, msg)
}

// Listen returns the next data message from anyone.
func (n *BasicNode) Listen(timeout time.Duration) (int64, string, error) {
	if err := n.check(); err != nil {
		return 0, "", err
	}
	return n.node.RecvData(orDefault(timeout))
}

// Recv returns the next data message from id.
func (n *BasicNode) Recv(id int64, timeout time.Duration) (int64, string, error) {
	if err := n.check(); err != nil {
		return 0, "", err
	}
	return n.node.RecvDataFrom(id, orDefault(timeout))
}

func (n *BasicNode) Ping(id int64) (bool, error) {
	if err := n.check(); err != nil {
		return false, err
	}
	return n.node.Ping(id), nil
}

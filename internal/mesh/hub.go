package mesh

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wavenet-mesh/wavenet/internal/directory"
	"github.com/wavenet-mesh/wavenet/internal/node"
	"github.com/wavenet-mesh/wavenet/internal/protocol"
)

// Hub is the mesh anchor at ID 0. It records the key of every node that
// joins and answers key requests; it routes nothing a plain node would not.
type Hub struct {
	*base
	dir *directory.Directory
}

func NewHub(cfg Config) (*Hub, error) {
	b, err := newBase(protocol.HubID, cfg, "hub")
	if err != nil {
		return nil, err
	}
	store := b.cfg.Store
	if store == nil {
		store = directory.NewMemoryStore()
	}
	dir, err := directory.New(store, b.PublicKey())
	if err != nil {
		b.kill() //nolint:errcheck
		return nil, err
	}

	h := &Hub{base: b, dir: dir}
	b.handlers = map[string]handler{
		protocol.TypeConnect: b.handleConnect,
		protocol.TypePing:    h.handlePing,
		protocol.TypePong:    b.handlePong,
		protocol.TypeRequest: h.handleRequest,
		protocol.TypeJoin:    h.handleJoin,
	}
	return h, nil
}

func (h *Hub) Directory() *directory.Directory { return h.dir }

// Registered reports whether id has joined.
func (h *Hub) Registered(id int64) bool { return h.dir.Contains(id) }

// Members returns the IDs of every joined node in ascending order.
func (h *Hub) Members() ([]int64, error) {
	ids, err := h.dir.IDs()
	if err != nil {
		return nil, err
	}
	out := ids[:0]
	for _, id := range ids {
		if id != protocol.HubID {
			out = append(out, id)
		}
	}
	return out, nil
}

// Ping reports whether id answered a ping within the configured timeout.
func (h *Hub) Ping(id int64) bool {
	return h.ping(id, func() error { return h.sends(id, protocol.TypePing, "") })
}

func (h *Hub) Kill() error {
	err := h.kill()
	return multierr.Append(err, h.dir.Close())
}

// send seals the packet for dest when the directory knows its key.
func (h *Hub) send(dest int64, mtype, body string) error {
	var opts []node.SendOption
	if !h.cfg.Plaintext {
		if key, err := h.dir.Lookup(dest); err == nil {
			opts = append(opts, node.WithKey(key))
		}
	}
	return h.node.Send(dest, mtype, body, opts...)
}

func (h *Hub) sends(dest int64, mtype, body string) error {
	return h.pool.submit(mtype, func() error { return h.send(dest, mtype, body) })
}

func (h *Hub) handlePing(p *protocol.Packet) error {
	return h.sends(p.Src, protocol.TypePong, "")
}

func (h *Hub) handleJoin(p *protocol.Packet) error {
	var body keyBody
	if err := decodeBody(p.Body, &body); err != nil {
		return err
	}
	id, key, err := body.parse()
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	if err := h.dir.Register(id, key); err != nil {
		return err
	}
	h.log.Info("node joined", zap.Int64("node", id), zap.String("key", key.Hex()))
	return nil
}

func (h *Hub) handleRequest(p *protocol.Packet) error {
	var body idBody
	if err := decodeBody(p.Body, &body); err != nil {
		return err
	}
	if body.ID == nil {
		return fmt.Errorf("request: missing id")
	}
	key, err := h.dir.Lookup(*body.ID)
	if err != nil {
		return err
	}
	return h.sends(p.Src, protocol.TypeAnswer, encodeKey(*body.ID, key))
}

package node

import (
	"sort"
	"sync"

	"github.com/wavenet-mesh/wavenet/internal/crypto"
	"github.com/wavenet-mesh/wavenet/internal/transport"
)

// Info is a node's identity and its neighbor set. The ID and keys never
// change; neighbors are only ever added.
type Info struct {
	id   int64
	keys *crypto.KeyPair

	mu        sync.Mutex
	neighbors map[string]transport.Link
}

func NewInfo(id int64, keys *crypto.KeyPair) *Info {
	return &Info{
		id:        id,
		keys:      keys,
		neighbors: make(map[string]transport.Link),
	}
}

func (i *Info) ID() int64 { return i.id }

func (i *Info) Keys() *crypto.KeyPair { return i.keys }

// AddNeighbor adds link unless an equal link is already present. Returns
// true if the set grew.
func (i *Info) AddNeighbor(link transport.Link) bool {
	key := link.String()
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.neighbors[key]; ok {
		return false
	}
	i.neighbors[key] = link
	return true
}

// Neighbors returns a copy of the neighbor set, ordered by link string.
func (i *Info) Neighbors() []transport.Link {
	i.mu.Lock()
	out := make([]transport.Link, 0, len(i.neighbors))
	for _, l := range i.neighbors {
		out = append(out, l)
	}
	i.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].String() < out[b].String() })
	return out
}

func (i *Info) HasNeighbor(link transport.Link) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.neighbors[link.String()]
	return ok
}

package transport

import (
	"fmt"
	"sync"

	"github.com/wavenet-mesh/wavenet/internal/protocol"
)

// MemoryTransport is an in-process transport, mainly for tests. Listening
// instances are reachable by name through a global registry; delivery is
// asynchronous, like a socket.
type MemoryTransport struct {
	name string
	opts options

	mu      sync.Mutex
	handler Handler
	wg      sync.WaitGroup
}

var (
	registryMu sync.Mutex
	registry   = map[string]*MemoryTransport{}
	nextID     int
)

// NewMemory creates a MemoryTransport. An empty name picks a unique one.
func NewMemory(name string, opts ...Option) *MemoryTransport {
	if name == "" {
		registryMu.Lock()
		nextID++
		name = fmt.Sprintf("mem-%d", nextID)
		registryMu.Unlock()
	}
	return &MemoryTransport{name: name, opts: buildOptions(Memory, opts)}
}

func (t *MemoryTransport) Type() Type { return Memory }

func (t *MemoryTransport) Public() (string, error) { return t.name, nil }

func (t *MemoryTransport) Listen(h Handler) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[t.name]; ok {
		return fmt.Errorf("%w: %q", ErrListening, t.name)
	}
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
	registry[t.name] = t
	return nil
}

func (t *MemoryTransport) Kill() error {
	registryMu.Lock()
	if registry[t.name] == t {
		delete(registry, t.name)
	}
	registryMu.Unlock()

	t.mu.Lock()
	t.handler = nil
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}

func (t *MemoryTransport) Send(data []byte, dest string) error {
	registryMu.Lock()
	peer, ok := registry[dest]
	registryMu.Unlock()
	if !ok {
		return fmt.Errorf("memory transport: no peer with id %q", dest)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return peer.deliver(buf)
}

func (t *MemoryTransport) deliver(data []byte) error {
	t.mu.Lock()
	h := t.handler
	if h == nil {
		t.mu.Unlock()
		return ErrNotListening
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		h(protocol.Reconstruct(data))
	}()
	return nil
}

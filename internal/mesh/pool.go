package mesh

import (
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull = errors.New("mesh: send queue full")
	ErrClosed    = errors.New("mesh: closed")
)

type job struct {
	name string
	fn   func() error
}

// pool runs sends that may block on a key lookup, so that the goroutine
// delivering replies is never the one waiting for them. A fixed set of
// workers drains a bounded queue; submit never blocks.
type pool struct {
	jobs chan job
	eg   errgroup.Group
	log  *zap.Logger

	mu     sync.RWMutex
	closed bool
}

func newPool(workers, depth int, log *zap.Logger) *pool {
	p := &pool{jobs: make(chan job, depth), log: log}
	for i := 0; i < workers; i++ {
		p.eg.Go(p.work)
	}
	return p
}

func (p *pool) work() error {
	for j := range p.jobs {
		if err := j.fn(); err != nil {
			p.log.Warn("send failed", zap.String("job", j.name), zap.Error(err))
		}
	}
	return nil
}

func (p *pool) submit(name string, fn func() error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- job{name: name, fn: fn}:
		return nil
	default:
		return ErrQueueFull
	}
}

// close stops accepting jobs, runs what is already queued and waits for
// the workers to exit.
func (p *pool) close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	return p.eg.Wait()
}

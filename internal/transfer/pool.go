package transfer

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = errors.New("transfer pool is shut down")

type PoolConfig struct {
	// MaxConcurrent bounds running tasks; 0 or less means unbounded.
	MaxConcurrent int
	Logger        *logrus.Entry
}

// Pool runs tasks in the background without blocking the submitter. One pool
// serves one lifecycle client.
type Pool struct {
	cfg PoolConfig
	sem chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	active map[uuid.UUID]*Handle
}

func NewPool(ctx context.Context, cfg PoolConfig) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Pool{
		cfg:    cfg,
		active: make(map[uuid.UUID]*Handle),
	}
	if cfg.MaxConcurrent > 0 {
		p.sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	return p
}

// Submit schedules task and returns its handle immediately.
func (p *Pool) Submit(task Task) (*Handle, error) {
	handle := newHandle(task)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.active[handle.id] = handle
	p.wg.Add(1)
	p.mu.Unlock()

	logger := p.cfg.Logger.WithFields(logrus.Fields{
		"transfer_id": handle.id.String(),
		"project":     task.Project(),
		"direction":   string(task.Direction()),
	})
	logger.Debug("transfer submitted")

	go func() {
		defer p.wg.Done()
		defer p.unregister(handle.id)

		if p.sem != nil {
			select {
			case <-p.ctx.Done():
				handle.resolve(p.ctx.Err())
				return
			case p.sem <- struct{}{}:
				defer func() { <-p.sem }()
			}
		}

		err := task.Run(p.ctx)
		if err != nil {
			logger.Debugf("transfer finished with error: %v", err)
		} else {
			logger.Debug("transfer finished")
		}
		handle.resolve(err)
	}()

	return handle, nil
}

func (p *Pool) unregister(id uuid.UUID) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

// Get returns the handle of a task that has not finished yet.
func (p *Pool) Get(id uuid.UUID) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.active[id]
	return h, ok
}

// Active lists unfinished handles, oldest first.
func (p *Pool) Active() []*Handle {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.active))
	for _, h := range p.active {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool {
		return handles[i].submitted.Before(handles[j].submitted)
	})
	return handles
}

// Context is cancelled when the pool shuts down.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Shutdown cancels running tasks and waits for them to return.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.cfg.Logger.Info("transfer pool stopped")
}

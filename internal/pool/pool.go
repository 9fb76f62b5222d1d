// Package pool runs relay tasks on a fixed number of workers with a
// configurable backlog policy.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/dnsrelay/internal/logging"
	"github.com/postalsys/dnsrelay/internal/recovery"
)

// Policy decides what happens when a task arrives and the backlog is full.
type Policy string

const (
	// PolicyDropNewest rejects the incoming task with ErrQueueFull.
	PolicyDropNewest Policy = "drop-newest"

	// PolicyDropOldest evicts the oldest pending task to make room.
	PolicyDropOldest Policy = "drop-oldest"

	// PolicyUnbounded never rejects; the backlog grows without limit.
	PolicyUnbounded Policy = "unbounded"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyDropNewest, PolicyDropOldest, PolicyUnbounded:
		return p, nil
	default:
		return "", fmt.Errorf("unknown overflow policy: %q", s)
	}
}

var (
	// ErrQueueFull is returned by Submit under PolicyDropNewest when the backlog is full.
	ErrQueueFull = errors.New("task queue full")

	// ErrPoolClosed is returned by Submit after Shutdown.
	ErrPoolClosed = errors.New("pool closed")
)

// Drop reasons passed to Config.OnDrop.
const (
	DropEvicted  = "evicted"
	DropShutdown = "shutdown"
)

// Task is a unit of work. ctx is cancelled when Shutdown gives up waiting.
type Task func(ctx context.Context)

// Config holds pool configuration.
type Config struct {
	// Workers is the number of tasks that may run at once.
	Workers int

	// QueueSize bounds the backlog of tasks waiting for a worker.
	// Ignored under PolicyUnbounded.
	QueueSize int

	// Policy is applied when the backlog is full.
	Policy Policy

	// OnDrop is called for every accepted task that is discarded without running.
	// It may be called with the pool lock held and must not call back into the pool.
	OnDrop func(reason string)

	// Logger for logging.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:   10,
		QueueSize: 256,
		Policy:    PolicyDropNewest,
	}
}

// Pool is a fixed-size worker pool. All methods are safe for concurrent use.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Task
	closed bool

	active atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// New creates a pool and starts its workers.
func New(cfg Config) *Pool {
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.Policy == "" {
		cfg.Policy = defaults.Policy
	}
	if cfg.QueueSize <= 0 && cfg.Policy != PolicyUnbounded {
		cfg.QueueSize = defaults.QueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()

	return p
}

// Submit queues a task for execution.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	if p.cfg.Policy != PolicyUnbounded && len(p.queue) >= p.cfg.QueueSize {
		if p.cfg.Policy == PolicyDropNewest {
			return ErrQueueFull
		}
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.drop(DropEvicted, 1)
	}

	p.queue = append(p.queue, task)
	p.cond.Signal()
	return nil
}

// Shutdown stops accepting tasks and waits up to timeout for queued and
// running tasks to finish. If the timeout elapses, pending tasks are discarded
// and running tasks have their context cancelled; Shutdown then returns false
// without waiting for them to observe the cancellation.
func (p *Pool) Shutdown(timeout time.Duration) bool {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		p.cancel()
		return true
	case <-timer.C:
	}

	p.mu.Lock()
	discarded := len(p.queue)
	clear(p.queue)
	p.queue = nil
	p.mu.Unlock()
	p.drop(DropShutdown, discarded)

	p.cancel()

	p.logger.Warn("worker pool drain timed out",
		logging.KeyDuration, timeout,
		"running", p.active.Load(),
		"discarded", discarded)
	return false
}

// Done is closed once every worker has exited.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Pending returns the number of queued tasks not yet picked up by a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Active returns the number of tasks currently running.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Workers returns the worker count.
func (p *Pool) Workers() int {
	return p.cfg.Workers
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer recovery.RecoverWithLog(p.logger, "pool.worker")

	task(p.ctx)
}

func (p *Pool) drop(reason string, n int) {
	if n <= 0 {
		return
	}
	if p.cfg.OnDrop != nil {
		for i := 0; i < n; i++ {
			p.cfg.OnDrop(reason)
		}
	}
}

// Package dispatch runs message dispatch tasks on a fixed pool of workers
// fed by a bounded queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/postalsys/roomrelay/internal/logging"
	"github.com/postalsys/roomrelay/internal/metrics"
	"github.com/postalsys/roomrelay/internal/recovery"
)

const (
	// DefaultWorkers is the number of workers when Config.Workers is 0.
	DefaultWorkers = 16
	// DefaultQueueSize is the queue capacity when Config.QueueSize is 0.
	DefaultQueueSize = 1024
)

var (
	// ErrQueueFull is returned by Submit when the queue has no free slot.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("dispatch pool closed")
)

// Task is one unit of dispatch work. ctx is cancelled when the pool is
// shut down without waiting for the backlog.
type Task func(ctx context.Context)

// Config contains pool settings.
type Config struct {
	Workers   int
	QueueSize int
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:   DefaultWorkers,
		QueueSize: DefaultQueueSize,
	}
}

// Pool is a fixed set of workers reading a bounded task queue.
type Pool struct {
	workers int
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex // guards closed against concurrent Submit
	closed bool
	tasks  chan Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool and starts its workers.
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers: cfg.Workers,
		logger:  logging.OrNop(cfg.Logger).With(logging.KeyComponent, "dispatch"),
		metrics: cfg.Metrics,
		tasks:   make(chan Task, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	return p
}

// Context returns the pool context. It is cancelled by Close.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Workers returns the number of workers.
func (p *Pool) Workers() int {
	return p.workers
}

// Len returns the number of queued tasks.
func (p *Pool) Len() int {
	return len(p.tasks)
}

// Cap returns the queue capacity.
func (p *Pool) Cap() int {
	return cap(p.tasks)
}

// Submit queues task without blocking. A full queue drops the task and
// returns ErrQueueFull.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		p.metrics.SetDispatchQueueDepth(len(p.tasks))
		return nil
	default:
		p.metrics.RecordDrop(metrics.DropDispatchQueueFull)
		p.logger.Warn("dispatch queue full, task dropped",
			logging.KeyCount, cap(p.tasks))
		return fmt.Errorf("%w: capacity %d", ErrQueueFull, cap(p.tasks))
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.tasks {
		p.metrics.SetDispatchQueueDepth(len(p.tasks))
		p.run(id, task)
	}
}

func (p *Pool) run(id int, task Task) {
	defer recovery.RecoverWithCallback(p.logger, fmt.Sprintf("dispatch-worker-%d", id), func(any) {
		p.metrics.RecordHandlerPanic()
	})
	task(p.ctx)
}

// Close stops accepting tasks, runs the queued backlog and waits for the
// workers to exit. It is safe to call more than once.
func (p *Pool) Close() {
	_ = p.CloseWithContext(context.Background())
}

// CloseWithContext is Close bounded by ctx. When ctx expires first the pool
// context is cancelled so running tasks can give up, and ctx.Err() is
// returned after the workers exit.
func (p *Pool) CloseWithContext(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Package worker runs completion calls on an elastic pool of workers, taking
// turns between clients so one busy client cannot starve the others.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/askqwen/gptuidemo/internal/completion"
)

var (
	// ErrDispatcherBusy is returned when the inbound queue is full.
	ErrDispatcherBusy = errors.New("completion queue is full, try again later")
	// ErrDispatcherStopped is returned for jobs submitted after Stop.
	ErrDispatcherStopped = errors.New("completion dispatcher stopped")
	// ErrClientCanceled is returned to queued jobs dropped by CancelClient.
	ErrClientCanceled = errors.New("completion canceled for client")
)

type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

const defaultQueueSize = 64

type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job // interface for outer jobs get in the dispatcher
	logger   *zap.Logger

	mu      sync.Mutex
	pending *fairQueue

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewDispatcher starts a dispatcher that runs jobs against next.
func NewDispatcher(cfg DispatcherConfig, next completion.Client, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	d := &Dispatcher{
		pool:     newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, next, logger),
		jobQueue: make(chan Job, cfg.QueueSize),
		logger:   logger,
		pending:  newFairQueue(),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case <-d.quit:
		return ErrDispatcherStopped
	default:
	}
	select {
	case d.jobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		// dispatch one job of the client in the front of LRU queue
		if !d.dispatchOne() {
			select {
			case job := <-d.jobQueue: // wait for work
				d.enqueueJob(job)
			case <-d.quit:
				d.failPending()
				return
			}
			continue
		}
		// pick up a new job if one is waiting
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		case <-d.quit:
			d.failPending()
			return
		default:
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	d.pending.push(job)
	d.mu.Unlock()
}

// dispatchOne get first client in LRU and dispatch its job
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	job, ok := d.pending.pop()
	d.mu.Unlock()
	if !ok {
		return false
	}

	meta := d.pool.acquire()
	if meta == nil {
		job.finish("", ErrDispatcherStopped)
		return false
	}
	d.logger.Debug("dispatcher assigned job",
		zap.String("client", job.clientID()), zap.Int("worker", meta.id))
	meta.ch <- job
	return true
}

// CancelClient drops the queued jobs of clientID. Jobs already running are
// left to finish.
func (d *Dispatcher) CancelClient(clientID string) {
	d.mu.Lock()
	dropped := d.pending.drop(clientID)
	d.mu.Unlock()
	for _, job := range dropped {
		job.finish("", ErrClientCanceled)
	}
}

// Pending returns the number of jobs waiting for a worker.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending.len() + len(d.jobQueue)
}

// Stop fails queued jobs and retires the workers. Running jobs finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.pool.stop()
		<-d.done
	})
}

func (d *Dispatcher) failPending() {
	for {
		select {
		case job := <-d.jobQueue:
			job.finish("", ErrDispatcherStopped)
		default:
			d.mu.Lock()
			var jobs []Job
			for {
				job, ok := d.pending.pop()
				if !ok {
					break
				}
				jobs = append(jobs, job)
			}
			d.mu.Unlock()
			for _, job := range jobs {
				job.finish("", ErrDispatcherStopped)
			}
			return
		}
	}
}

// PooledClient runs completion calls through a Dispatcher.
type PooledClient struct {
	d *Dispatcher
}

func NewPooledClient(d *Dispatcher) *PooledClient {
	return &PooledClient{d: d}
}

func (c *PooledClient) Complete(ctx context.Context, req completion.Request) (string, error) {
	res := make(chan result, 1)
	if err := c.d.Submit(Job{ctx: ctx, req: req, result: res}); err != nil {
		return "", err
	}
	select {
	case r := <-res:
		return r.reply, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/askqwen/gptuidemo/internal/completion"
)

type result struct {
	reply string
	err   error
}

// Job is one completion call waiting for a worker. A Job with stop set
// retires the worker that receives it.
type Job struct {
	ctx    context.Context
	req    completion.Request
	result chan result
	stop   bool
}

func (j Job) clientID() string {
	return j.req.ClientID
}

func (j Job) finish(reply string, err error) {
	if j.result != nil {
		j.result <- result{reply: reply, err: err}
	}
}

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
	next       completion.Client
	logger     *zap.Logger
}

func NewWorker(id int, pool *jobChannelPool, next completion.Client, logger *zap.Logger) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
		next:       next,
		logger:     logger,
	}
}

// Start parks the worker in the idle list and serves jobs until it is
// retired or the pool stops taking it back.
func (w *Worker) Start() {
	go func() {
		defer w.pool.retire(w.jobChannel)
		for {
			if !w.pool.Release(w.jobChannel) {
				return
			}
			job := <-w.jobChannel
			if job.stop {
				w.logger.Debug("worker retired", zap.Int("worker", w.id))
				return
			}
			w.handle(job)
		}
	}()
}

func (w *Worker) handle(job Job) {
	if err := job.ctx.Err(); err != nil {
		job.finish("", err)
		return
	}
	w.logger.Debug("worker running completion",
		zap.Int("worker", w.id), zap.String("client", job.clientID()), zap.String("model", job.req.Model))
	reply, err := w.next.Complete(job.ctx, job.req)
	job.finish(reply, err)
}

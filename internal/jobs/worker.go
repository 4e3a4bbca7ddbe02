package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/logging"
)

// Handler executes one job. The returned value, if any, is stored as the
// job result.
type Handler func(ctx context.Context, job *domain.Job) (any, error)

const defaultPollInterval = time.Second

// Pool runs a fixed set of workers against the queue. Each worker claims
// independently; the queue's atomic claim guarantees no job is taken twice.
type Pool struct {
	queue *Queue
	log   zerolog.Logger

	size         int
	pollInterval time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler

	started atomic.Bool
	wg      sync.WaitGroup
}

func NewPool(queue *Queue, size int) *Pool {
	if size <= 0 {
		size = 4
	}
	return &Pool{
		queue:        queue,
		log:          logging.Component("jobs"),
		size:         size,
		pollInterval: defaultPollInterval,
		handlers:     make(map[string]Handler),
	}
}

// Register binds a handler to a job name. Registering the same name twice
// is a programming error.
func (p *Pool) Register(name string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.handlers[name]; dup {
		panic(fmt.Sprintf("jobs: handler %q registered twice", name))
	}
	p.handlers[name] = h
}

func (p *Pool) handler(name string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[name]
	return h, ok
}

// Start launches the workers. It is idempotent.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.log.Info().Int("workers", p.size).Msg("worker pool starting")
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Wait blocks until every worker has exited after ctx cancellation.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, n int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker", n).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Claim(ctx)
		if err != nil {
			log.Error().Err(err).Msg("claim failed")
			p.sleep(ctx)
			continue
		}
		if job == nil {
			p.sleep(ctx)
			continue
		}
		p.run(ctx, log, job)
	}
}

func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.pollInterval):
	}
}

// run invokes the handler with the job's timeout. A handler that misses
// the deadline fails with JobTimeout and goes through the retry policy.
func (p *Pool) run(ctx context.Context, log zerolog.Logger, job *domain.Job) {
	h, ok := p.handler(job.Name)
	if !ok {
		// Unknown handlers fail loudly and never retry.
		log.Error().Str("job_id", job.ID).Str("name", job.Name).Msg("no handler registered")
		job.RetryCount = job.MaxRetries
		if err := p.queue.Fail(ctx, job, errs.E(errs.Internal, "no handler registered for %q", job.Name)); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("dead-letter failed")
		}
		return
	}

	timeout := time.Duration(job.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeoutSecs * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: errs.E(errs.Internal, "handler panic: %v", r)}
			}
		}()
		result, err := h(runCtx, job)
		done <- outcome{result: result, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		out.err = errs.E(errs.JobTimeout, "job %s exceeded %s", job.Name, timeout)
	}

	if out.err != nil {
		log.Warn().Err(out.err).Str("job_id", job.ID).Str("name", job.Name).
			Int("retry_count", job.RetryCount).Msg("job failed")
		if err := p.queue.Fail(ctx, job, out.err); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("record failure failed")
		}
		return
	}
	if err := p.queue.Complete(ctx, job, out.result); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("record completion failed")
	}
}

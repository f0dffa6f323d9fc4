package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

// Handler processes one leased job. Returned errors are treated as
// infrastructure failures and retried; handlers record business outcomes
// themselves and return nil for them.
type Handler func(ctx context.Context, job Job) error

// Options tune a worker pool attached to one queue.
type Options struct {
	Concurrency int
	RateLimit   int
	RateWindow  time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	LeaseBlock  time.Duration
	// OnCompletion fires after a job is acknowledged.
	OnCompletion func(jobID string)
	// OnFailure fires after a job exhausts its retry budget.
	OnFailure func(jobID string, err error)
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	if o.RateLimit == 0 {
		o.RateLimit = 5
	}
	if o.RateWindow <= 0 {
		o.RateWindow = time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.LeaseBlock <= 0 {
		o.LeaseBlock = 5 * time.Second
	}
	return o
}

// jobQueue is the slice of Queue the worker drives. It exists so the lease,
// retry, and settlement paths can run against a fake in tests.
type jobQueue interface {
	Name() string
	RecoverActive(ctx context.Context) (int, error)
	lease(ctx context.Context, timeout time.Duration) (string, error)
	requeue(ctx context.Context, id string) error
	ack(ctx context.Context, id string) error
	loadEnvelope(ctx context.Context, id string) (jobEnvelope, error)
	storeEnvelope(ctx context.Context, env jobEnvelope) error
}

// throttle gates job starts. Satisfied by the Redis rolling-window limiter.
type throttle interface {
	Acquire(ctx context.Context) error
}

// Worker consumes one queue with a fixed number of goroutines. Jobs lease
// into the active list so a crash mid-flight leaves them recoverable.
type Worker struct {
	queue   jobQueue
	handle  Handler
	opts    Options
	limiter throttle
	metrics *Metrics
	log     *slog.Logger
}

// NewWorker binds a handler to a queue. Metrics may be nil.
func NewWorker(q *Queue, handler Handler, opts Options, metrics *Metrics, log *slog.Logger) *Worker {
	opts = opts.withDefaults()
	return &Worker{
		queue:   q,
		handle:  handler,
		opts:    opts,
		limiter: newRateLimiter(q.rdb, q.rateKey(), opts.RateLimit, opts.RateWindow),
		metrics: metrics,
		log:     log.With("queue", q.Name()),
	}
}

// Run recovers abandoned jobs, then consumes until the context ends. Jobs
// interrupted by shutdown stay in the active list for the next recovery.
func (w *Worker) Run(ctx context.Context) error {
	moved, err := w.queue.RecoverActive(ctx)
	if err != nil {
		return err
	}
	if moved > 0 {
		w.log.Info("requeued abandoned jobs", "count", moved)
	}
	var wg sync.WaitGroup
	for i := 0; i < w.opts.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consume(ctx, slot)
		}(i)
	}
	wg.Wait()
	return nil
}

func (w *Worker) consume(ctx context.Context, slot int) {
	log := w.log.With("slot", slot)
	for {
		if ctx.Err() != nil {
			return
		}
		id, err := w.queue.lease(ctx, w.opts.LeaseBlock)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("lease job", "error", err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}
		if err := w.limiter.Acquire(ctx); err != nil {
			// Give the lease back rather than run unthrottled.
			if reqErr := w.queue.requeue(context.Background(), id); reqErr != nil {
				log.Error("requeue throttled job", "job_id", id, "error", reqErr)
			}
			if ctx.Err() != nil {
				return
			}
			log.Error("rate limit check", "error", err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}
		w.process(ctx, log, id)
	}
}

func (w *Worker) process(ctx context.Context, log *slog.Logger, id string) {
	start := time.Now()
	env, err := w.queue.loadEnvelope(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			// Envelope vanished under the lease; drop it.
			if ackErr := w.queue.ack(context.Background(), id); ackErr != nil {
				log.Error("drop orphaned lease", "job_id", id, "error", ackErr)
			}
			return
		}
		log.Error("load job", "job_id", id, "error", err)
		if reqErr := w.queue.requeue(context.Background(), id); reqErr != nil {
			log.Error("requeue unreadable job", "job_id", id, "error", reqErr)
		}
		return
	}

	w.metrics.jobStarted(w.queue.Name())
	backoff := retry.WithMaxRetries(uint64(w.opts.MaxAttempts-1), retry.NewExponential(w.opts.BackoffBase))
	runErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		env.Attempts++
		if err := w.queue.storeEnvelope(ctx, env); err != nil {
			log.Debug("persist attempt count", "job_id", id, "error", err)
		}
		if err := w.handle(ctx, env.job()); err != nil {
			log.Warn("job attempt failed", "job_id", id, "attempt", env.Attempts, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})

	if runErr != nil && ctx.Err() != nil {
		// Interrupted mid-flight: leave the job in active for recovery.
		log.Info("job interrupted by shutdown", "job_id", id, "attempts", env.Attempts)
		return
	}
	if ackErr := w.queue.ack(context.Background(), id); ackErr != nil {
		log.Error("acknowledge job", "job_id", id, "error", ackErr)
	}
	elapsed := time.Since(start)
	if runErr != nil {
		w.metrics.jobFailed(w.queue.Name(), elapsed.Seconds())
		log.Error("job failed", "job_id", id, "attempts", env.Attempts, "error", runErr)
		if w.opts.OnFailure != nil {
			w.opts.OnFailure(id, runErr)
		}
		return
	}
	w.metrics.jobCompleted(w.queue.Name(), elapsed.Seconds())
	log.Info("job completed", "job_id", id, "attempts", env.Attempts, "duration", elapsed.String())
	if w.opts.OnCompletion != nil {
		w.opts.OnCompletion(id)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

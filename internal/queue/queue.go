package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue names owned by the deployment worker.
const (
	BuildQueue    = "build-queue"
	RollbackQueue = "rollback-queue"
)

const defaultMaxAttempts = 3

var (
	// ErrJobExists indicates a job with the same id is already pending or active.
	ErrJobExists = errors.New("queue: job already exists")
	// ErrJobNotFound indicates no job with the given id is known to the queue.
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrJobActive indicates the job has been leased and can no longer be removed.
	ErrJobActive = errors.New("queue: job already active")
)

// State reports where a job currently sits.
type State string

const (
	StateQueued State = "queued"
	StateActive State = "active"
)

// Job is the stored form of one unit of work. The payload is opaque to the
// queue; handlers decode it themselves.
type Job struct {
	ID          string
	Payload     json.RawMessage
	Attempts    int
	MaxAttempts int
	EnqueuedAt  time.Time
	State       State
}

type jobEnvelope struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

func (e jobEnvelope) job() Job {
	return Job{
		ID:          e.ID,
		Payload:     e.Payload,
		Attempts:    e.Attempts,
		MaxAttempts: e.MaxAttempts,
		EnqueuedAt:  e.EnqueuedAt,
	}
}

// Queue is a Redis-backed FIFO of jobs keyed by caller-chosen ids. Ids stay
// reserved from enqueue until the job finishes, so a given id can hold at
// most one live job.
type Queue struct {
	rdb  *redis.Client
	name string
}

// New returns a queue bound to the given name.
func New(rdb *redis.Client, name string) *Queue {
	return &Queue{rdb: rdb, name: name}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) key(suffix string) string {
	return fmt.Sprintf("renderlite:queue:%s:%s", q.name, suffix)
}

func (q *Queue) pendingKey() string { return q.key("pending") }
func (q *Queue) activeKey() string  { return q.key("active") }
func (q *Queue) idsKey() string     { return q.key("ids") }
func (q *Queue) rateKey() string    { return q.key("rate") }
func (q *Queue) jobKey(id string) string {
	return q.key("job:" + id)
}

// enqueueScript reserves the id, stores the envelope, and appends to the
// pending list in one atomic step, so a crashed producer can never strand a
// reserved id without a matching pending job.
var enqueueScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('SET', KEYS[2], ARGV[2])
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)

// Enqueue stores the payload and appends the job to the pending list. It
// fails with ErrJobExists when the id is already pending or active.
func (q *Queue) Enqueue(ctx context.Context, id string, payload any) error {
	if id == "" {
		return fmt.Errorf("job id cannot be empty")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	env := jobEnvelope{
		ID:          id,
		Payload:     data,
		MaxAttempts: defaultMaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	envData, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal job envelope: %w", err)
	}
	added, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.idsKey(), q.jobKey(id), q.pendingKey()}, id, envData).Int()
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	if added == 0 {
		return fmt.Errorf("%w: %s", ErrJobExists, id)
	}
	return nil
}

// Get returns the stored job and whether it is still queued or already leased.
func (q *Queue) Get(ctx context.Context, id string) (Job, error) {
	data, err := q.rdb.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return Job{}, fmt.Errorf("load job envelope: %w", err)
	}
	var env jobEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Job{}, fmt.Errorf("decode job envelope: %w", err)
	}
	job := env.job()
	_, err = q.rdb.LPos(ctx, q.pendingKey(), id, redis.LPosArgs{}).Result()
	switch {
	case err == nil:
		job.State = StateQueued
	case errors.Is(err, redis.Nil):
		job.State = StateActive
	default:
		return Job{}, fmt.Errorf("locate job: %w", err)
	}
	return job, nil
}

// Remove deletes a job that has not been leased yet. Jobs already picked up
// by a worker return ErrJobActive.
func (q *Queue) Remove(ctx context.Context, id string) error {
	removed, err := q.rdb.LRem(ctx, q.pendingKey(), 1, id).Result()
	if err != nil {
		return fmt.Errorf("remove pending job: %w", err)
	}
	if removed == 0 {
		member, err := q.rdb.SIsMember(ctx, q.idsKey(), id).Result()
		if err != nil {
			return fmt.Errorf("check job id: %w", err)
		}
		if member {
			return fmt.Errorf("%w: %s", ErrJobActive, id)
		}
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, q.jobKey(id))
		p.SRem(ctx, q.idsKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("release job id: %w", err)
	}
	return nil
}

// RecoverActive moves jobs abandoned in the active list back to the head of
// pending, preserving their original order. It runs before consumption starts.
func (q *Queue) RecoverActive(ctx context.Context) (int, error) {
	moved := 0
	for {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		_, err := q.rdb.LMove(ctx, q.activeKey(), q.pendingKey(), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover active job: %w", err)
		}
		moved++
	}
}

// lease blocks for up to timeout waiting for the next pending job, moving it
// into the active list. Returns redis.Nil wrapped when nothing arrived.
func (q *Queue) lease(ctx context.Context, timeout time.Duration) (string, error) {
	return q.rdb.BLMove(ctx, q.pendingKey(), q.activeKey(), "LEFT", "RIGHT", timeout).Result()
}

// requeue puts a leased job back at the head of pending.
func (q *Queue) requeue(ctx context.Context, id string) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.activeKey(), 1, id)
		p.LPush(ctx, q.pendingKey(), id)
		return nil
	})
	return err
}

// ack drops a finished job from the active list and releases its id.
func (q *Queue) ack(ctx context.Context, id string) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.activeKey(), 1, id)
		p.Del(ctx, q.jobKey(id))
		p.SRem(ctx, q.idsKey(), id)
		return nil
	})
	return err
}

func (q *Queue) loadEnvelope(ctx context.Context, id string) (jobEnvelope, error) {
	data, err := q.rdb.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return jobEnvelope{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return jobEnvelope{}, fmt.Errorf("load job envelope: %w", err)
	}
	var env jobEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return jobEnvelope{}, fmt.Errorf("decode job envelope: %w", err)
	}
	return env, nil
}

func (q *Queue) storeEnvelope(ctx context.Context, env jobEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal job envelope: %w", err)
	}
	return q.rdb.Set(ctx, q.jobKey(env.ID), data, 0).Err()
}

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jankosk/norish-sub000/internal/metrics"
	logpkg "github.com/jankosk/norish-sub000/pkg/log"
)

// Result reports what Enqueue did with a job.
type Result string

// Enqueue results.
const (
	Queued    Result = "queued"    // Accepted and runnable
	Duplicate Result = "duplicate" // An identical id is already known
	Skipped   Result = "skipped"   // Queue is closed, job dropped
)

// Event kinds announced on the queue's pub/sub channel.
const (
	EventReady   = "ready"   // A job became runnable
	EventDrained = "drained" // Waiting, active and delayed are all empty
)

// Event is the wire form of a queue lifecycle notice.
type Event struct {
	Kind  string `json:"kind"`
	Queue string `json:"queue"`
}

// Job is one unit of work.
type Job struct {
	ID         string
	Queue      string
	Payload    []byte
	Attempts   int
	EnqueuedAt time.Time
}

// Counts is a point-in-time census of a queue.
type Counts struct {
	Waiting int64
	Active  int64
	Delayed int64
}

// Total returns the number of jobs in any state.
func (c Counts) Total() int64 { return c.Waiting + c.Active + c.Delayed }

// Options configures a Queue.
type Options struct {
	Logger  logpkg.Logger
	Metrics *metrics.Metrics
	// MaxAttempts bounds delivery attempts per job. Zero means 3.
	MaxAttempts int
	// BackoffBase is the first retry delay, doubled per attempt.
	// Zero means 1s.
	BackoffBase time.Duration
	// BackoffMax caps the retry delay. Zero means 1m.
	BackoffMax time.Duration
}

// Queue is one named Redis-backed job queue.
type Queue struct {
	client      *redis.Client
	ns          string
	name        string
	logger      logpkg.Logger
	metrics     *metrics.Metrics
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration

	mu     sync.Mutex
	closed bool
}

// New builds a queue handle. Handles on different processes that share a
// namespace and name operate on the same queue.
func New(client *redis.Client, namespace, name string, opts Options) *Queue {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNop()
	}
	mets := opts.Metrics
	if mets == nil {
		mets = metrics.NewNop()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	base := opts.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	maxBackoff := opts.BackoffMax
	if maxBackoff <= 0 {
		maxBackoff = time.Minute
	}
	return &Queue{
		client:      client,
		ns:          namespace,
		name:        name,
		logger:      logger.With(logpkg.Component("queue"), logpkg.Str("queue", name)),
		metrics:     mets,
		maxAttempts: maxAttempts,
		backoffBase: base,
		backoffMax:  maxBackoff,
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Enqueue adds a job unless its id is already known. A closed queue
// reports Skipped without error so shutdown races stay quiet.
func (q *Queue) Enqueue(ctx context.Context, id string, payload []byte) (Result, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		q.metrics.JobsEnqueued.WithLabelValues(q.name, string(Skipped)).Inc()
		return Skipped, nil
	}

	added, err := q.client.SAdd(ctx, IDsKey(q.ns, q.name), id).Result()
	if err != nil {
		return "", fmt.Errorf("queue %s: dedup check: %w", q.name, err)
	}
	if added == 0 {
		q.metrics.JobsEnqueued.WithLabelValues(q.name, string(Duplicate)).Inc()
		return Duplicate, nil
	}

	now := time.Now()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, JobKey(q.ns, q.name, id), map[string]any{
		"id":          id,
		"payload":     payload,
		"attempts":    0,
		"enqueued_at": now.UnixMilli(),
	})
	pipe.RPush(ctx, WaitingKey(q.ns, q.name), id)
	if _, err := pipe.Exec(ctx); err != nil {
		// Free the id again; leaving it in the dedup set would make every
		// retry of this job report Duplicate with no record behind it.
		if remErr := q.client.SRem(ctx, IDsKey(q.ns, q.name), id).Err(); remErr != nil {
			q.logger.Warn("dedup rollback failed", logpkg.Str("job", id), logpkg.Err(remErr))
		}
		return "", fmt.Errorf("queue %s: enqueue %s: %w", q.name, id, err)
	}
	q.publishEvent(ctx, EventReady)
	q.metrics.JobsEnqueued.WithLabelValues(q.name, string(Queued)).Inc()
	q.logger.Debug("job enqueued", logpkg.Str("job", id))
	return Queued, nil
}

// Dequeue promotes due retries, then blocks up to the given duration for a
// runnable job. It returns (nil, nil) when the wait times out.
func (q *Queue) Dequeue(ctx context.Context, block time.Duration) (*Job, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}
	res, err := q.client.BLPop(ctx, block, WaitingKey(q.ns, q.name)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue %s: dequeue: %w", q.name, err)
	}
	id := res[1]
	if err := q.client.SAdd(ctx, ActiveKey(q.ns, q.name), id).Err(); err != nil {
		return nil, fmt.Errorf("queue %s: mark active %s: %w", q.name, id, err)
	}
	return q.loadJob(ctx, id)
}

// promoteDue moves retry-scheduled jobs whose due time has passed back to
// the waiting list.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, DelayedKey(q.ns, q.name), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return fmt.Errorf("queue %s: scan delayed: %w", q.name, err)
	}
	for _, id := range due {
		removed, err := q.client.ZRem(ctx, DelayedKey(q.ns, q.name), id).Result()
		if err != nil {
			return fmt.Errorf("queue %s: promote %s: %w", q.name, id, err)
		}
		// Another process may have promoted it between the scan and here.
		if removed == 0 {
			continue
		}
		if err := q.client.RPush(ctx, WaitingKey(q.ns, q.name), id).Err(); err != nil {
			return fmt.Errorf("queue %s: promote %s: %w", q.name, id, err)
		}
		q.publishEvent(ctx, EventReady)
	}
	return nil
}

func (q *Queue) loadJob(ctx context.Context, id string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, JobKey(q.ns, q.name, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue %s: load %s: %w", q.name, id, err)
	}
	job := &Job{ID: id, Queue: q.name, Payload: []byte(fields["payload"])}
	if v, err := strconv.Atoi(fields["attempts"]); err == nil {
		job.Attempts = v
	}
	if ms, err := strconv.ParseInt(fields["enqueued_at"], 10, 64); err == nil {
		job.EnqueuedAt = time.UnixMilli(ms)
	}
	return job, nil
}

// Complete removes a finished job entirely, freeing its id for reuse, and
// announces drained when it was the last one.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, ActiveKey(q.ns, q.name), job.ID)
	pipe.SRem(ctx, IDsKey(q.ns, q.name), job.ID)
	pipe.Del(ctx, JobKey(q.ns, q.name, job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue %s: complete %s: %w", q.name, job.ID, err)
	}
	q.metrics.JobsFinished.WithLabelValues(q.name, "completed").Inc()
	q.announceDrainedIfEmpty(ctx)
	return nil
}

// announceDrainedIfEmpty publishes the drained event when no job remains
// in any state. Completion and terminal failure both end a job, so both
// paths must be able to report the queue empty.
func (q *Queue) announceDrainedIfEmpty(ctx context.Context) {
	counts, err := q.Counts(ctx)
	if err == nil && counts.Total() == 0 {
		q.publishEvent(ctx, EventDrained)
	}
}

// Fail records a failed attempt. The job is rescheduled with exponential
// backoff until its attempts are exhausted, then dropped. It reports
// whether a retry was scheduled.
func (q *Queue) Fail(ctx context.Context, job *Job, jobErr error) (bool, error) {
	attempts := job.Attempts + 1
	if attempts >= q.maxAttempts {
		pipe := q.client.TxPipeline()
		pipe.SRem(ctx, ActiveKey(q.ns, q.name), job.ID)
		pipe.SRem(ctx, IDsKey(q.ns, q.name), job.ID)
		pipe.Del(ctx, JobKey(q.ns, q.name, job.ID))
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("queue %s: drop %s: %w", q.name, job.ID, err)
		}
		q.metrics.JobsFinished.WithLabelValues(q.name, "failed").Inc()
		q.logger.Error("job failed permanently",
			logpkg.Str("job", job.ID),
			logpkg.Int("attempts", attempts),
			logpkg.Err(jobErr))
		q.announceDrainedIfEmpty(ctx)
		return false, nil
	}

	delay := q.backoffBase << (attempts - 1)
	if delay > q.backoffMax {
		delay = q.backoffMax
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, JobKey(q.ns, q.name, job.ID), "attempts", attempts)
	pipe.SRem(ctx, ActiveKey(q.ns, q.name), job.ID)
	pipe.ZAdd(ctx, DelayedKey(q.ns, q.name), redis.Z{Score: due, Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("queue %s: reschedule %s: %w", q.name, job.ID, err)
	}
	q.metrics.JobsFinished.WithLabelValues(q.name, "retried").Inc()
	q.logger.Warn("job attempt failed, retry scheduled",
		logpkg.Str("job", job.ID),
		logpkg.Int("attempts", attempts),
		logpkg.Dur("delay", delay),
		logpkg.Err(jobErr))
	return true, nil
}

// Counts returns the number of jobs per state.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, WaitingKey(q.ns, q.name))
	active := pipe.SCard(ctx, ActiveKey(q.ns, q.name))
	delayed := pipe.ZCard(ctx, DelayedKey(q.ns, q.name))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("queue %s: counts: %w", q.name, err)
	}
	return Counts{Waiting: waiting.Val(), Active: active.Val(), Delayed: delayed.Val()}, nil
}

// Listen streams the queue's lifecycle events until stop is called or the
// context ends. Malformed notices are dropped.
func (q *Queue) Listen(ctx context.Context) (<-chan Event, func(), error) {
	ps := q.client.Subscribe(context.Background(), EventsKey(q.ns, q.name))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("queue %s: listen: %w", q.name, err)
	}
	out := make(chan Event)
	stopped := make(chan struct{})
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				q.logger.Warn("dropping malformed queue event", logpkg.Err(err))
				continue
			}
			select {
			case out <- ev:
			case <-stopped:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(stopped)
			_ = ps.Close()
		})
	}
	return out, stop, nil
}

func (q *Queue) publishEvent(ctx context.Context, kind string) {
	b, err := json.Marshal(Event{Kind: kind, Queue: q.name})
	if err != nil {
		return
	}
	if err := q.client.Publish(ctx, EventsKey(q.ns, q.name), b).Err(); err != nil {
		q.logger.Warn("queue event publish failed", logpkg.Str("kind", kind), logpkg.Err(err))
	}
}

// Close marks the handle closed. Later Enqueue calls report Skipped. Data
// in Redis is left intact for other processes.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Closed reports whether Close has been called on this handle.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Package jobs is the Redis-backed background work system: a priority
// queue with scheduled delivery, retries with exponential backoff, a
// dead-letter list, and a recurring-task scheduler.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"futures-trading-platform/internal/cache"
	"futures-trading-platform/internal/domain"
	"futures-trading-platform/internal/errs"
	"futures-trading-platform/internal/logging"
)

const (
	keyScheduled    = "jobs:scheduled"
	keyProcessing   = "jobs:processing"
	keyDead         = "jobs:dead"
	keyJobPrefix    = "jobs:job:"
	keyResultPrefix = "jobs:result:"

	jobRecordTTL = 7 * 24 * time.Hour
	resultTTL    = 24 * time.Hour

	defaultMaxRetries  = 3
	defaultTimeoutSecs = 60

	// retryBase doubles per attempt, capped at retryCap.
	retryBase = 120 * time.Second
	retryCap  = 3600 * time.Second
)

var priorityKeys = [4]string{
	"jobs:queue:critical",
	"jobs:queue:high",
	"jobs:queue:normal",
	"jobs:queue:low",
}

func queueKey(p domain.JobPriority) string {
	if p < 0 || int(p) >= len(priorityKeys) {
		p = domain.PriorityNormal
	}
	return priorityKeys[p]
}

// claimScript promotes due scheduled jobs into their priority lists, then
// pops the highest-priority job and moves it into the processing set, all
// in one atomic step so no two workers can claim the same job.
// KEYS: critical, high, normal, low, scheduled zset, processing set.
// ARGV[1]: now in epoch milliseconds.
const claimScript = `
local due = redis.call('ZRANGEBYSCORE', KEYS[5], '-inf', ARGV[1], 'LIMIT', 0, 128)
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[5], member)
  local sep = string.find(member, '|', 1, true)
  local prio = tonumber(string.sub(member, 1, sep - 1))
  redis.call('LPUSH', KEYS[prio + 1], string.sub(member, sep + 1))
end
for i = 1, 4 do
  local id = redis.call('RPOP', KEYS[i])
  if id then
    redis.call('SADD', KEYS[6], id)
    return id
  end
end
return false
`

// Store is the cache capability set the queue runs on. *cache.Cache
// satisfies it.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	ListPush(ctx context.Context, key string, values ...interface{}) error
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ListRemove(ctx context.Context, key string, value string) error
	ListLen(ctx context.Context, key string) (int64, error)
	SortedSetAdd(ctx context.Context, key string, score float64, member string) error
	SortedSetRemove(ctx context.Context, key string, members ...string) (int64, error)
	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// Queue is the job store and dispatch surface.
type Queue struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewQueue(store Store) *Queue {
	return &Queue{
		store: store,
		log:   logging.Component("jobs"),
		now:   time.Now,
	}
}

// Enqueue pushes an immediate job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, name string, args any, priority domain.JobPriority) (string, error) {
	job, err := newJob(name, args, priority, nil)
	if err != nil {
		return "", err
	}
	return job.ID, q.push(ctx, job)
}

// EnqueueForUser pushes an immediate user-scoped job.
func (q *Queue) EnqueueForUser(ctx context.Context, name string, args any, priority domain.JobPriority, userID domain.ID) (string, error) {
	job, err := newJob(name, args, priority, &userID)
	if err != nil {
		return "", err
	}
	return job.ID, q.push(ctx, job)
}

// Schedule records a job for delivery at a future instant.
func (q *Queue) Schedule(ctx context.Context, name string, args any, priority domain.JobPriority, at time.Time) (string, error) {
	job, err := newJob(name, args, priority, nil)
	if err != nil {
		return "", err
	}
	job.ScheduledAt = &at
	if err := q.saveJob(ctx, job); err != nil {
		return "", err
	}
	member := scheduledMember(job.Priority, job.ID)
	return job.ID, q.store.SortedSetAdd(ctx, keyScheduled, float64(at.UnixMilli()), member)
}

func newJob(name string, args any, priority domain.JobPriority, userID *domain.ID) (*domain.Job, error) {
	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, errs.Wrap(errs.Validation, err, "encode job args")
		}
		raw = data
	}
	return &domain.Job{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Name:        name,
		Args:        raw,
		Priority:    priority,
		Status:      domain.JobStatusPending,
		MaxRetries:  defaultMaxRetries,
		TimeoutSecs: defaultTimeoutSecs,
		UserID:      userID,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func scheduledMember(p domain.JobPriority, id string) string {
	return fmt.Sprintf("%d|%s", p, id)
}

func (q *Queue) push(ctx context.Context, job *domain.Job) error {
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	return q.store.ListPush(ctx, queueKey(job.Priority), job.ID)
}

func (q *Queue) saveJob(ctx context.Context, job *domain.Job) error {
	return q.store.Set(ctx, keyJobPrefix+job.ID, job, jobRecordTTL)
}

// GetJob loads one job record.
func (q *Queue) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	raw, err := q.store.Get(ctx, keyJobPrefix+id)
	if err == cache.ErrMiss {
		return nil, errs.E(errs.NotFound, "job %s", id)
	}
	if err != nil {
		return nil, err
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "decode job record")
	}
	return &job, nil
}

// Claim atomically takes the next runnable job, promoting any due
// scheduled jobs first. It returns nil when the queue is empty.
func (q *Queue) Claim(ctx context.Context) (*domain.Job, error) {
	keys := append(append([]string{}, priorityKeys[:]...), keyScheduled, keyProcessing)
	res, err := q.store.Eval(ctx, claimScript, keys, q.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, nil
	}

	job, err := q.GetJob(ctx, id)
	if err != nil {
		// Record expired under its claim; drop the orphan.
		q.log.Warn().Str("job_id", id).Err(err).Msg("claimed job without record")
		_ = q.store.SetRemove(ctx, keyProcessing, id)
		return nil, nil
	}
	started := q.now().UTC()
	job.Status = domain.JobStatusRunning
	job.StartedAt = &started
	return job, q.saveJob(ctx, job)
}

// Complete finishes a job and stores its result under a short-lived key.
func (q *Queue) Complete(ctx context.Context, job *domain.Job, result any) error {
	done := q.now().UTC()
	job.Status = domain.JobStatusCompleted
	job.CompletedAt = &done
	if result != nil {
		data, err := json.Marshal(result)
		if err == nil {
			job.Result = data
			if err := q.store.Set(ctx, keyResultPrefix+job.ID, string(data), resultTTL); err != nil {
				q.log.Warn().Err(err).Str("job_id", job.ID).Msg("store job result failed")
			}
		}
	}
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	return q.store.SetRemove(ctx, keyProcessing, job.ID)
}

// retryDelay backs off 120s, 240s, 480s... capped at one hour.
func retryDelay(retryCount int) time.Duration {
	d := retryBase << uint(retryCount)
	if d > retryCap || d <= 0 {
		return retryCap
	}
	return d
}

// Fail records a failure: reschedule with backoff while retries remain,
// otherwise dead-letter.
func (q *Queue) Fail(ctx context.Context, job *domain.Job, jobErr error) error {
	if err := q.store.SetRemove(ctx, keyProcessing, job.ID); err != nil {
		return err
	}
	job.Error = jobErr.Error()

	if job.RetryCount < job.MaxRetries {
		at := q.now().Add(retryDelay(job.RetryCount)).UTC()
		job.RetryCount++
		job.Status = domain.JobStatusRetrying
		job.ScheduledAt = &at
		if err := q.saveJob(ctx, job); err != nil {
			return err
		}
		return q.store.SortedSetAdd(ctx, keyScheduled, float64(at.UnixMilli()), scheduledMember(job.Priority, job.ID))
	}

	job.Status = domain.JobStatusFailed
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	q.log.Error().Str("job_id", job.ID).Str("name", job.Name).Str("error", job.Error).
		Msg("job exhausted retries, dead-lettering")
	return q.store.ListPush(ctx, keyDead, job.ID)
}

// ListDead returns the dead-letter jobs, newest first.
func (q *Queue) ListDead(ctx context.Context, limit int64) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.store.ListRange(ctx, keyDead, 0, limit-1)
	if err != nil {
		return nil, err
	}
	jobs := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.GetJob(ctx, strings.TrimSpace(id))
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RequeueDead moves a dead-lettered job back onto its priority list with a
// fresh retry budget.
func (q *Queue) RequeueDead(ctx context.Context, id string) error {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := q.store.ListRemove(ctx, keyDead, id); err != nil {
		return err
	}
	job.Status = domain.JobStatusPending
	job.RetryCount = 0
	job.Error = ""
	return q.push(ctx, job)
}

// PendingByPriority reports queue depths for observability.
func (q *Queue) PendingByPriority(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(priorityKeys))
	for i, key := range priorityKeys {
		n, err := q.store.ListLen(ctx, key)
		if err != nil {
			return nil, err
		}
		out[domain.JobPriority(i).String()] = n
	}
	return out, nil
}

// ParsePriority is used by admin surfaces accepting priority names.
func ParsePriority(s string) (domain.JobPriority, error) {
	for i := range priorityKeys {
		p := domain.JobPriority(i)
		if strings.EqualFold(p.String(), s) {
			return p, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n < len(priorityKeys) {
		return domain.JobPriority(n), nil
	}
	return 0, errs.E(errs.Validation, "unknown priority %q", s)
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/redis/go-redis/v9"

	"notesmith/internal/util"
	"notesmith/pkg/domain"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// JobStatus tracks one unit of asynchronous work targeting a document.
type JobStatus struct {
	ID           string             `json:"id"`
	DocumentID   string             `json:"documentId"`
	Kind         domain.JobKind     `json:"kind"`
	ContentType  domain.ContentType `json:"contentType,omitempty"`
	Status       string             `json:"status"`
	ErrorMessage string             `json:"errorMessage,omitempty"`
	Attempts     int                `json:"attempts"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// Handler executes one job attempt. Transient errors are retried with
// exponential backoff; permanent errors fail the job immediately.
type Handler func(ctx context.Context, job JobStatus) error

// FailureHandler runs once per job after retries are exhausted or a
// permanent error surfaced. It is the pipeline's chance to record the
// failure on the document.
type FailureHandler func(ctx context.Context, job JobStatus, err error)

// RedisJobQueue is a Redis-streams backed work queue with a fixed worker
// pool and at-most-one in-flight job per document. Jobs for distinct
// documents run fully in parallel; a worker that pulls a job for a busy
// document puts the message back and moves on.
type RedisJobQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	busyDelay    time.Duration
	jobTimeout   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once

	mu       sync.Mutex
	inflight map[string]struct{} // serialization key: documentID
}

type RedisQueueConfig struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	BusyDelay  time.Duration
	JobTimeout time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "default"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	busyDelay := cfg.BusyDelay
	if busyDelay <= 0 {
		busyDelay = 200 * time.Millisecond
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &RedisJobQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       jobTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		busyDelay:    busyDelay,
		jobTimeout:   jobTimeout,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
		inflight:     make(map[string]struct{}),
	}, nil
}

// Enqueue publishes a job for a document. Callers validate the document
// before enqueueing; the queue only rejects malformed arguments.
func (q *RedisJobQueue) Enqueue(ctx context.Context, documentID string, kind domain.JobKind, contentType domain.ContentType) (JobStatus, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return JobStatus{}, errors.New("documentId required")
	}
	if kind != domain.JobParse && kind != domain.JobGenerate {
		return JobStatus{}, fmt.Errorf("unknown job kind: %q", kind)
	}
	if kind == domain.JobGenerate && !contentType.OnDemand() {
		return JobStatus{}, fmt.Errorf("content type %q cannot be generated on demand", contentType)
	}
	now := time.Now().UTC()
	job := JobStatus{
		ID:          util.NewID(),
		DocumentID:  documentID,
		Kind:        kind,
		ContentType: contentType,
		Status:      StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return JobStatus{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: job.messageValues(),
	}).Err(); err != nil {
		return JobStatus{}, err
	}
	return job, nil
}

// GetJob returns a job by ID.
func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (JobStatus, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobStatus{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return JobStatus{}, false, err
	}
	if len(data) == 0 {
		return JobStatus{}, false, nil
	}
	return decodeJobStatus(jobID, data), true, nil
}

// Start launches the worker pool. Each worker pulls from the shared stream
// and runs jobs through the retry policy; onFailure fires once per job that
// ends in failure.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler, onFailure FailureHandler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler, onFailure)
	}
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			// best-effort; errors will surface on consume
		}
	})
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler, onFailure FailureHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler, onFailure)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler, onFailure)
			}
		}
	}
}

func (q *RedisJobQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler, onFailure FailureHandler) {
	job, ok := jobFromMessage(msg)
	if !ok {
		q.ackAndDel(ctx, msg.ID)
		return
	}

	// Per-document serialization: one running job per documentID. When the
	// document is busy the message goes back to the stream and this worker
	// picks up other work.
	if !q.tryAcquire(job.DocumentID) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.busyDelay):
		}
		_ = q.requeueAndAck(ctx, msg.ID, job)
		return
	}
	defer q.release(job.DocumentID)

	job, err := q.markProcessing(ctx, job)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if err := q.runWithRetry(ctx, job, handler); err != nil {
		_ = q.markFailed(ctx, job.ID, err.Error())
		if onFailure != nil {
			onFailure(ctx, job, err)
		}
	} else {
		_ = q.markDone(ctx, job.ID)
	}
	q.ackAndDel(ctx, msg.ID)
}

// runWithRetry executes the handler under the job timeout. Only transient
// failures are retried, with exponential backoff, up to maxRetries total
// attempts. Parse, unsupported-format, and validation errors are
// deterministic and never retried.
func (q *RedisJobQueue) runWithRetry(ctx context.Context, job JobStatus, handler Handler) error {
	attempt := func() error {
		jobCtx, cancel := context.WithTimeout(ctx, q.jobTimeout)
		defer cancel()
		return handler(jobCtx, job)
	}
	return retry.Do(
		attempt,
		retry.Context(ctx),
		retry.Attempts(uint(q.maxRetries)),
		retry.Delay(q.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(domain.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			q.recordRetry(ctx, job.ID, int(n)+2, err)
		}),
	)
}

func (q *RedisJobQueue) tryAcquire(documentID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inflight[documentID]; busy {
		return false
	}
	q.inflight[documentID] = struct{}{}
	return true
}

func (q *RedisJobQueue) release(documentID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, documentID)
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID string, job JobStatus) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: job.messageValues(),
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) markProcessing(ctx context.Context, job JobStatus) (JobStatus, error) {
	stored, ok, err := q.GetJob(ctx, job.ID)
	if err != nil {
		return JobStatus{}, err
	}
	if ok {
		job = stored
	}
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return JobStatus{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) recordRetry(ctx context.Context, jobID string, attempt int, lastErr error) {
	job, ok, err := q.GetJob(ctx, jobID)
	if err != nil || !ok {
		return
	}
	job.Attempts = attempt
	job.Status = StatusProcessing
	if lastErr != nil {
		job.ErrorMessage = lastErr.Error()
	}
	job.UpdatedAt = time.Now().UTC()
	_ = q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) markDone(ctx context.Context, jobID string) error {
	job, ok, err := q.GetJob(ctx, jobID)
	if err != nil || !ok {
		return err
	}
	job.Status = StatusDone
	job.ErrorMessage = ""
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) markFailed(ctx context.Context, jobID, errMsg string) error {
	job, ok, err := q.GetJob(ctx, jobID)
	if err != nil || !ok {
		return err
	}
	job.Status = StatusFailed
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, job JobStatus) error {
	payload := map[string]any{
		"id":          job.ID,
		"documentId":  job.DocumentID,
		"kind":        string(job.Kind),
		"contentType": string(job.ContentType),
		"status":      job.Status,
		"error":       job.ErrorMessage,
		"attempts":    strconv.Itoa(job.Attempts),
		"createdAt":   job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":   job.UpdatedAt.Format(time.RFC3339Nano),
	}
	key := q.jobKey(job.ID)
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func (j JobStatus) messageValues() map[string]any {
	return map[string]any{
		"job_id":       j.ID,
		"document_id":  j.DocumentID,
		"kind":         string(j.Kind),
		"content_type": string(j.ContentType),
	}
}

func jobFromMessage(msg redis.XMessage) (JobStatus, bool) {
	jobID, _ := msg.Values["job_id"].(string)
	documentID, _ := msg.Values["document_id"].(string)
	kind, _ := msg.Values["kind"].(string)
	contentType, _ := msg.Values["content_type"].(string)
	if jobID == "" || documentID == "" || kind == "" {
		return JobStatus{}, false
	}
	return JobStatus{
		ID:          jobID,
		DocumentID:  documentID,
		Kind:        domain.JobKind(kind),
		ContentType: domain.ContentType(contentType),
	}, true
}

func decodeJobStatus(jobID string, data map[string]string) JobStatus {
	job := JobStatus{ID: jobID}
	job.DocumentID = data["documentId"]
	job.Kind = domain.JobKind(data["kind"])
	job.ContentType = domain.ContentType(data["contentType"])
	job.Status = data["status"]
	job.ErrorMessage = data["error"]
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Attempts = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.UpdatedAt = t
		}
	}
	return job
}

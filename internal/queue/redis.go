package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/local/docdispatch/internal/job"
)

// Queue carries one Redis Stream + consumer group per job class, plus
// a DLQ stream per class and idempotency done-marks. The broker gives
// at-least-once delivery to one consumer per message; the done-marks
// keep redelivery from producing a second completion event.
type Queue struct {
	client  *redis.Client
	streams map[job.Class]string
	group   string
	idemTTL time.Duration
}

// Options names the stream per class and the shared consumer group.
type Options struct {
	ExtractStream  string
	FormatStream   string
	FallbackStream string
	Group          string
	IdemTTL        time.Duration
}

// New connects to Redis and ensures each class stream and its group
// exist.
func New(redisURL string, opts Options) (*Queue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if opts.Group == "" {
		opts.Group = "workers"
	}
	if opts.IdemTTL <= 0 {
		opts.IdemTTL = time.Hour
	}
	q := &Queue{
		client: c,
		streams: map[job.Class]string{
			job.ClassExtract:  defString(opts.ExtractStream, "jobs:extract"),
			job.ClassFormat:   defString(opts.FormatStream, "jobs:format"),
			job.ClassFallback: defString(opts.FallbackStream, "jobs:fallback"),
		},
		group:   opts.Group,
		idemTTL: opts.IdemTTL,
	}
	for _, stream := range q.streams {
		if err := c.XGroupCreateMkStream(ctx, stream, q.group, "$").Err(); err != nil && !isBusyGroupErr(err) {
			return nil, fmt.Errorf("xgroup create %s: %w", stream, err)
		}
	}
	return q, nil
}

func defString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func isBusyGroupErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func (q *Queue) Close() error { return q.client.Close() }

// Ping checks redis connectivity.
func (q *Queue) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }

// Client exposes the underlying connection for sibling stores.
func (q *Queue) Client() *redis.Client { return q.client }

func (q *Queue) stream(class job.Class) string {
	if s, ok := q.streams[class]; ok {
		return s
	}
	return q.streams[job.ClassFallback]
}

// Enqueue adds a job payload to its class stream as a single-field
// entry {data: <json>}.
func (q *Queue) Enqueue(ctx context.Context, class job.Class, payload []byte) error {
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream(class),
		Values: map[string]any{"data": string(payload)},
	}).Err()
}

// Dequeue reads one message for the class from the consumer group.
// A nil payload with nil error means the wait timed out empty.
func (q *Queue) Dequeue(ctx context.Context, class job.Class, consumer string, timeout time.Duration) (string, []byte, error) {
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream(class), ">"},
		Count:    1,
		Block:    timeout,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil, nil
		}
		return "", nil, err
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return "", nil, nil
	}
	msg := res[0].Messages[0]
	if v, ok := msg.Values["data"]; ok {
		switch t := v.(type) {
		case string:
			return msg.ID, []byte(t), nil
		case []byte:
			return msg.ID, t, nil
		}
	}
	return msg.ID, nil, nil
}

// Ack marks a message as processed.
func (q *Queue) Ack(ctx context.Context, class job.Class, msgID string) error {
	if msgID == "" {
		return nil
	}
	return q.client.XAck(ctx, q.stream(class), q.group, msgID).Err()
}

// AddDLQ copies a faulted job to the class DLQ stream with the reason.
func (q *Queue) AddDLQ(ctx context.Context, class job.Class, payload []byte, reason string) error {
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream(class) + ":dlq",
		Values: map[string]any{"data": string(payload), "reason": reason},
	}).Err()
}

// IsDone reports whether a job id is already marked completed, so a
// redelivered message is skipped instead of producing a second
// completion event.
func (q *Queue) IsDone(ctx context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, nil
	}
	n, err := q.client.Exists(ctx, "jobs:done:"+jobID).Result()
	return n == 1, err
}

// MarkDone records a job id as completed with a TTL.
func (q *Queue) MarkDone(ctx context.Context, jobID string) error {
	if jobID == "" {
		return nil
	}
	return q.client.Set(ctx, "jobs:done:"+jobID, 1, q.idemTTL).Err()
}

// Depths returns approximate stream and DLQ lengths for one class.
func (q *Queue) Depths(ctx context.Context, class job.Class) (int64, int64, error) {
	pipe := q.client.Pipeline()
	xlen := pipe.XLen(ctx, q.stream(class))
	dlen := pipe.XLen(ctx, q.stream(class)+":dlq")
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return xlen.Val(), dlen.Val(), nil
}

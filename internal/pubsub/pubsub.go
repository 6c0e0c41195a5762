package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/local/docdispatch/internal/job"
	"github.com/local/docdispatch/internal/metrics"
)

// Channel is the broker channel every worker publishes completion
// events onto and every API process subscribes to.
const Channel = "job_completions"

// Broadcaster publishes completion events. Publish failures are the
// caller's concern only as a logged degradation: the job's local state
// is already terminal by the time this runs.
type Broadcaster struct {
	client  *redis.Client
	channel string
}

func NewBroadcaster(client *redis.Client) *Broadcaster {
	return &Broadcaster{client: client, channel: Channel}
}

// Publish serializes the event onto the broker channel.
func (b *Broadcaster) Publish(ctx context.Context, ev job.CompletionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal completion event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish completion event: %w", err)
	}
	metrics.EventPublished()
	log.Info().Str("job_id", ev.JobID).Str("job_type", string(ev.JobType)).
		Bool("success", ev.Success).Msg("completion event published")
	return nil
}

// Subscriber runs a single consumer loop over the completion channel
// and hands each event to the handler. It is the only reader the API
// process runs; the handler must not block long on a slow connection.
type Subscriber struct {
	client  *redis.Client
	channel string
}

func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client, channel: Channel}
}

// Run blocks until ctx ends, dispatching events as they arrive.
// Malformed messages are logged and skipped.
func (s *Subscriber) Run(ctx context.Context, handle func(job.CompletionEvent)) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	ch := sub.Channel()
	log.Info().Str("channel", s.channel).Msg("completion subscriber started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev job.CompletionEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Error().Err(err).Msg("bad completion event payload")
				continue
			}
			handle(ev)
		}
	}
}

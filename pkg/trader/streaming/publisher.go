package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Publisher delivers events to some downstream.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Fanout publishes to every publisher, joining their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StreamPublisher appends events to Redis streams keyed <prefix>.<type>.
type StreamPublisher struct {
	client *redis.Client
	prefix string
	maxLen int64
}

// NewStreamPublisher creates a Redis stream publisher. maxLen > 0 trims
// each stream approximately to that many entries.
func NewStreamPublisher(client *redis.Client, prefix string, maxLen int64) *StreamPublisher {
	if prefix == "" {
		prefix = "edgestack.events"
	}
	return &StreamPublisher{client: client, prefix: prefix, maxLen: maxLen}
}

// StreamKey returns the stream an event type is published to.
func (p *StreamPublisher) StreamKey(t EventType) string {
	return p.prefix + "." + string(t)
}

// Publish appends one event to its stream.
func (p *StreamPublisher) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", event.Type, err)
	}

	key := p.StreamKey(event.Type)
	args := &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("error publishing to stream %s: %w", key, err)
	}
	log.Debug().Str("stream", key).Str("id", id).Msg("event published")
	return nil
}

// Close closes the Redis client.
func (p *StreamPublisher) Close() error {
	return p.client.Close()
}

// DialRedis connects to the Redis server at url (redis://host:port/db) and
// checks it answers.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

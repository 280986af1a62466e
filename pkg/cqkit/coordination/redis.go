// Package coordination connects the bus to an external Redis-compatible
// store for cross-process event distribution.
//
// Published envelopes are persisted under <prefix>:events:<event_id> with a
// TTL and broadcast on <prefix>:channel:<event_type>. Other processes
// subscribe to the channels they care about and feed received envelopes
// into their local bus.
//
// The store is a soft dependency of the bus: every failure here degrades to
// in-process operation, it never blocks dispatch.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cqkit/cqkit/pkg/cqkit/event"
)

// Coordination defaults.
const (
	DefaultPrefix = "cqkit"
	DefaultTTL    = 24 * time.Hour
)

// ErrEventNotFound is returned when a persisted event has expired or never
// existed.
var ErrEventNotFound = errors.New("event not found in coordination store")

// Config configures the coordination store connection.
type Config struct {
	// Addr is the host:port of the Redis-compatible server.
	Addr string

	// Password authenticates the connection (optional).
	Password string

	// DB selects the logical database.
	DB int

	// Prefix namespaces all keys and channels. Default: "cqkit"
	Prefix string

	// TTL bounds how long persisted events live. Default: 24h
	TTL time.Duration

	// Logger receives coordination logs. Default: slog.Default()
	Logger *slog.Logger
}

// Store implements event.Coordinator over go-redis.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// New connects to the coordination store and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect coordination store %s: %w", cfg.Addr, err)
	}

	return &Store{
		client: client,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		logger: cfg.Logger,
	}, nil
}

func (s *Store) eventKey(eventID string) string {
	return fmt.Sprintf("%s:events:%s", s.prefix, eventID)
}

func (s *Store) channel(eventType string) string {
	return fmt.Sprintf("%s:channel:%s", s.prefix, eventType)
}

// Persist implements event.Coordinator. The wire envelope is stored under
// the event key with the configured TTL.
func (s *Store) Persist(ctx context.Context, evt *event.Envelope) error {
	data, err := evt.Marshal()
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.eventKey(evt.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("persist event %s: %w", evt.ID, err)
	}
	return nil
}

// Broadcast implements event.Coordinator. The wire envelope is published on
// the event type's channel.
func (s *Store) Broadcast(ctx context.Context, evt *event.Envelope) error {
	data, err := evt.Marshal()
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.channel(evt.Type), data).Err(); err != nil {
		return fmt.Errorf("broadcast event %s: %w", evt.ID, err)
	}
	return nil
}

// Connected implements event.Coordinator.
func (s *Store) Connected(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

// Fetch retrieves a persisted event by ID.
func (s *Store) Fetch(ctx context.Context, eventID string) (*event.Envelope, error) {
	data, err := s.client.Get(ctx, s.eventKey(eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch event %s: %w", eventID, err)
	}
	return event.Unmarshal(data)
}

// Subscribe listens for envelopes broadcast on the given event types.
// The returned channel closes when ctx is cancelled. Malformed payloads
// are logged and skipped.
func (s *Store) Subscribe(ctx context.Context, eventTypes ...string) (<-chan *event.Envelope, error) {
	if len(eventTypes) == 0 {
		return nil, errors.New("subscribe requires at least one event type")
	}

	channels := make([]string, len(eventTypes))
	for i, t := range eventTypes {
		channels[i] = s.channel(t)
	}

	sub := s.client.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan *event.Envelope)
	go func() {
		defer close(out)
		defer sub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				evt, err := event.Unmarshal([]byte(msg.Payload))
				if err != nil {
					s.logger.Warn("dropping malformed coordination message",
						slog.String("channel", msg.Channel),
						slog.String("error", err.Error()),
					)
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close releases the client connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Compile-time check that Store implements event.Coordinator.
var _ event.Coordinator = (*Store)(nil)

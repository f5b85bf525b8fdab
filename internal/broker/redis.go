// Package broker implements the live span-update channel on Redis pub/sub.
//
// Every persisted span batch publishes one message per distinct span to
// events:{traceId}:{spanId}; trace subscribers pattern-subscribe to
// events:{traceId}:* and receive a notification for every span of the trace.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jobtrace-io/jobtrace/internal/config"
	"github.com/jobtrace-io/jobtrace/internal/tracing"
)

var (
	// ErrBrokerUnavailable wraps Redis connectivity failures.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrSubscriptionClosed is returned when unsubscribing twice.
	ErrSubscriptionClosed = errors.New("subscription already closed")
)

const (
	channelPrefix = "events"

	// notificationBuffer bounds the per-subscription channel; a slow consumer
	// drops notifications rather than stalling the pump.
	notificationBuffer = 64
)

// Config holds the Redis connection settings.
type Config struct {
	URL string
}

// ConfigFromEnv reads REDIS_URL.
func ConfigFromEnv() Config {
	return Config{URL: config.GetEnvStr("REDIS_URL", "redis://localhost:6379/0")}
}

// Broker is both sides of the span-update channel. It satisfies
// tracing.Publisher and tracing.Subscriber over a shared client.
type Broker struct {
	client *redis.Client
	logger *slog.Logger
}

// Compile-time interface checks.
var (
	_ tracing.Publisher  = (*Broker)(nil)
	_ tracing.Subscriber = (*Broker)(nil)
)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Broker, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid redis url: %w", ErrBrokerUnavailable, err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}

	return NewWithClient(client), nil
}

// NewWithClient wraps an existing client. The caller keeps ownership unless
// Close is used.
func NewWithClient(client *redis.Client) *Broker {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	})).With(slog.String("component", "broker"))

	return &Broker{client: client, logger: logger}
}

// Close tears down the underlying client.
func (b *Broker) Close() error {
	return b.client.Close()
}

// HealthCheck pings the backend.
func (b *Broker) HealthCheck(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}

	return nil
}

// Publish emits one span-update message. The payload is the update timestamp
// in RFC3339Nano; subscribers resolve the span itself from storage.
func (b *Broker) Publish(ctx context.Context, traceID, spanID string, at time.Time) error {
	channel := spanChannel(traceID, spanID)

	if err := b.client.Publish(ctx, channel, at.Format(time.RFC3339Nano)).Err(); err != nil {
		return fmt.Errorf("%w: publish to %s: %w", ErrBrokerUnavailable, channel, err)
	}

	return nil
}

// SubscribeToTrace opens a pattern subscription covering every span channel of
// the trace. The returned subscription delivers until Unsubscribe.
func (b *Broker) SubscribeToTrace(ctx context.Context, traceID string) (tracing.Subscription, error) {
	pubsub := b.client.PSubscribe(ctx, tracePattern(traceID))

	// Force the subscription onto the wire before returning, so publishes
	// after this call are never missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()

		return nil, fmt.Errorf("%w: subscribe to trace %s: %w", ErrBrokerUnavailable, traceID, err)
	}

	sub := &traceSubscription{
		pubsub:        pubsub,
		notifications: make(chan tracing.SpanNotification, notificationBuffer),
		done:          make(chan struct{}),
		logger:        b.logger,
	}

	sub.wg.Add(1)

	go sub.pump()

	return sub, nil
}

type traceSubscription struct {
	pubsub        *redis.PubSub
	notifications chan tracing.SpanNotification
	done          chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
	closed        bool
	logger        *slog.Logger
}

func (s *traceSubscription) Notifications() <-chan tracing.SpanNotification {
	return s.notifications
}

// Unsubscribe stops the pump and closes the notification channel before
// returning. Calling it twice returns ErrSubscriptionClosed.
func (s *traceSubscription) Unsubscribe() error {
	if s.closed {
		return ErrSubscriptionClosed
	}

	s.closeOnce.Do(func() {
		s.closed = true
		close(s.done)
		_ = s.pubsub.Close()
		s.wg.Wait()
		close(s.notifications)
	})

	return nil
}

// pump converts raw pub/sub messages into span notifications.
func (s *traceSubscription) pump() {
	defer s.wg.Done()

	ch := s.pubsub.Channel()

	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			notification, ok := parseMessage(msg.Channel, msg.Payload)
			if !ok {
				s.logger.Warn("discarding malformed span update",
					slog.String("channel", msg.Channel))

				continue
			}

			select {
			case s.notifications <- notification:
			default:
				// Slow consumer: drop rather than stall the pump.
				s.logger.Warn("dropping span update for slow subscriber",
					slog.String("channel", msg.Channel))
			}
		}
	}
}

func spanChannel(traceID, spanID string) string {
	return fmt.Sprintf("%s:%s:%s", channelPrefix, traceID, spanID)
}

func tracePattern(traceID string) string {
	return fmt.Sprintf("%s:%s:*", channelPrefix, traceID)
}

// parseMessage splits events:{traceId}:{spanId} and the RFC3339Nano payload.
func parseMessage(channel, payload string) (tracing.SpanNotification, bool) {
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[0] != channelPrefix {
		return tracing.SpanNotification{}, false
	}

	at, err := time.Parse(time.RFC3339Nano, payload)
	if err != nil {
		return tracing.SpanNotification{}, false
	}

	return tracing.SpanNotification{
		TraceID: parts[1],
		SpanID:  parts[2],
		At:      at,
	}, true
}

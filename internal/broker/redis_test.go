package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobtrace-io/jobtrace/internal/tracing"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewWithClient(client)
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New(context.Background(), Config{URL: "not-a-url"})
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
}

func TestNew_Unreachable(t *testing.T) {
	_, err := New(context.Background(), Config{URL: "redis://127.0.0.1:1/0"})
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
}

func TestPublishSubscribe_RoundTrip(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	sub, err := b.SubscribeToTrace(ctx, "trace-1")
	require.NoError(t, err)

	defer func() { _ = sub.Unsubscribe() }()

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, b.Publish(ctx, "trace-1", "span-a", at))

	select {
	case n := <-sub.Notifications():
		assert.Equal(t, "trace-1", n.TraceID)
		assert.Equal(t, "span-a", n.SpanID)
		assert.True(t, n.At.Equal(at))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for span notification")
	}
}

// A trace subscription covers every span of the trace and nothing else.
func TestSubscribeToTrace_PatternScope(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	sub, err := b.SubscribeToTrace(ctx, "trace-1")
	require.NoError(t, err)

	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, b.Publish(ctx, "other-trace", "span-x", time.Now()))
	require.NoError(t, b.Publish(ctx, "trace-1", "span-a", time.Now()))
	require.NoError(t, b.Publish(ctx, "trace-1", "span-b", time.Now()))

	var got []string

	for range 2 {
		select {
		case n := <-sub.Notifications():
			require.Equal(t, "trace-1", n.TraceID)
			got = append(got, n.SpanID)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for span notifications")
		}
	}

	assert.ElementsMatch(t, []string{"span-a", "span-b"}, got)

	select {
	case n, open := <-sub.Notifications():
		if open {
			t.Fatalf("unexpected notification for %s:%s", n.TraceID, n.SpanID)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBroker(t)

	sub, err := b.SubscribeToTrace(context.Background(), "trace-1")
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())

	_, open := <-sub.Notifications()
	assert.False(t, open, "notification channel closes on unsubscribe")

	assert.ErrorIs(t, sub.Unsubscribe(), ErrSubscriptionClosed)
}

func TestParseMessage(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)

	n, ok := parseMessage("events:T:S", at.Format(time.RFC3339Nano))
	require.True(t, ok)
	assert.Equal(t, tracing.SpanNotification{TraceID: "T", SpanID: "S", At: at}, n)

	_, ok = parseMessage("events:T", at.Format(time.RFC3339Nano))
	assert.False(t, ok, "missing span segment")

	_, ok = parseMessage("other:T:S", at.Format(time.RFC3339Nano))
	assert.False(t, ok, "wrong prefix")

	_, ok = parseMessage("events:T:S", "not-a-timestamp")
	assert.False(t, ok, "malformed payload")
}

func TestHealthCheck(t *testing.T) {
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b := NewWithClient(client)
	require.NoError(t, b.HealthCheck(context.Background()))

	mr.Close()
	assert.ErrorIs(t, b.HealthCheck(context.Background()), ErrBrokerUnavailable)
}

package auditsink

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/goodtune/apptimelimit/internal/engine"
)

func setupTestSink(t *testing.T) (*Sink, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	sink, err := Open(Config{
		Addr:         mr.Addr(),
		Channel:      "limitd:events",
		StreamName:   "limitd:events:stream",
		StreamMaxLen: 1000,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	return sink, mr
}

func TestSink_OnLimitReached_AppendsToStream(t *testing.T) {
	sink, mr := setupTestSink(t)
	defer func() { _ = sink.Close() }()

	sink.OnLimitReached(7, 10, 60_000, 61_000, nil)

	entries, err := mr.Stream("limitd:events:stream")
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 stream entry, got %d", len(entries))
	}

	values := entries[0].Values
	var payload string
	for i := 0; i+1 < len(values); i += 2 {
		if values[i] == "payload" {
			payload = values[i+1]
		}
	}

	var e event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if e.Type != "limit_reached" || e.ObserverID != 7 || e.UserID != 10 || e.TimeLimitMs != 60_000 || e.TimeElapsedMs != 61_000 {
		t.Fatalf("unexpected event payload: %+v", e)
	}
}

func TestSink_OnSessionEnd_PublishesToChannel(t *testing.T) {
	sink, _ := setupTestSink(t)
	defer func() { _ = sink.Close() }()

	client := redis.NewClient(&redis.Options{Addr: sink.client.Options().Addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sub := client.Subscribe(ctx, "limitd:events")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	sink.OnSessionEnd(3, 10, 90_000, nil)

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}

	var e event
	if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if e.Type != "session_end" || e.ObserverID != 3 || e.TimeElapsedMs != 90_000 {
		t.Fatalf("unexpected event payload: %+v", e)
	}
}

var _ engine.Notifier = (*Sink)(nil)

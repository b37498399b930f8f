// Package auditsink implements a reference engine.Notifier that publishes
// limit-reached and session-end events to Redis for a remote audience: a
// Pub/Sub channel for live subscribers and a capped stream for replay. It
// is an audit trail of already-delivered notifications, not a store of
// observer registrations.
package auditsink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/goodtune/apptimelimit/internal/engine"
)

// Config configures the Redis-backed sink.
type Config struct {
	Addr         string
	DB           int
	Channel      string
	StreamName   string
	StreamMaxLen int64
}

// Sink publishes engine notifications to Redis. It implements
// engine.Notifier.
type Sink struct {
	client  *redis.Client
	channel string
	stream  string
	maxLen  int64
	log     zerolog.Logger
}

// Open connects to Redis and returns a Sink. The connection is verified with
// a Ping before returning.
func Open(cfg Config, log zerolog.Logger) (*Sink, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Sink{
		client:  client,
		channel: cfg.Channel,
		stream:  cfg.StreamName,
		maxLen:  cfg.StreamMaxLen,
		log:     log.With().Str("component", "auditsink").Logger(),
	}, nil
}

// Close closes the Redis connection.
func (s *Sink) Close() error {
	return s.client.Close()
}

type event struct {
	Type          string `json:"type"`
	ObserverID    int32  `json:"observerId"`
	UserID        int32  `json:"userId"`
	TimeLimitMs   int64  `json:"timeLimitMs,omitempty"`
	TimeElapsedMs int64  `json:"timeElapsedMs"`
}

// OnLimitReached implements engine.Notifier. It is called best-effort from
// inside the engine's dispatch loop; publish failures are logged, never
// returned, matching the engine's contract that Notifier calls are
// fire-and-forget.
func (s *Sink) OnLimitReached(observerID engine.ObserverID, userID engine.UserID, timeLimitMs, timeElapsedMs int64, callback engine.Callback) {
	s.publish(event{
		Type:          "limit_reached",
		ObserverID:    int32(observerID),
		UserID:        int32(userID),
		TimeLimitMs:   timeLimitMs,
		TimeElapsedMs: timeElapsedMs,
	})
}

// OnSessionEnd implements engine.Notifier.
func (s *Sink) OnSessionEnd(observerID engine.ObserverID, userID engine.UserID, timeElapsedMs int64, callback engine.Callback) {
	s.publish(event{
		Type:          "session_end",
		ObserverID:    int32(observerID),
		UserID:        int32(userID),
		TimeElapsedMs: timeElapsedMs,
	})
}

func (s *Sink) publish(e event) {
	payload, err := json.Marshal(e)
	if err != nil {
		s.log.Error().Err(err).Str("type", e.Type).Msg("failed to marshal audit event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		s.log.Warn().Err(err).Str("channel", s.channel).Msg("failed to publish audit event")
	}

	add := &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}
	if err := s.client.XAdd(ctx, add).Err(); err != nil {
		s.log.Warn().Err(err).Str("stream", s.stream).Msg("failed to append audit event to stream")
	}
}

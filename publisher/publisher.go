// Package publisher announces completed signatures to downstream
// consumers. Publishing happens after the signature is durable and a
// failure never changes the session outcome.
package publisher

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Event describes one completed signing session.
type Event struct {
	SessionID     string    `json:"session_id"`
	KeyID         string    `json:"key_id"`
	MessageDigest string    `json:"message_digest"`
	Signature     string    `json:"signature"`
	CompletedAt   time.Time `json:"completed_at"`
}

// NewEvent hex-encodes digest and signature.
func NewEvent(sessionID, keyID string, digest, signature []byte, at time.Time) Event {
	return Event{
		SessionID:     sessionID,
		KeyID:         keyID,
		MessageDigest: hex.EncodeToString(digest),
		Signature:     hex.EncodeToString(signature),
		CompletedAt:   at.UTC(),
	}
}

// Publisher delivers completion events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Redis publishes events on a pub/sub channel and keeps the latest event
// per session under a key that expires after retention.
type Redis struct {
	client    *redis.Client
	channel   string
	retention time.Duration
}

// NewRedis wraps an existing client. A zero retention skips the per
// session key.
func NewRedis(client *redis.Client, channel string, retention time.Duration) *Redis {
	return &Redis{client: client, channel: channel, retention: retention}
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, opts *redis.Options) (*redis.Client, error) {
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to ping redis")
	}
	return client, nil
}

func (r *Redis) key(sessionID string) string {
	return r.channel + ":" + sessionID
}

func (r *Redis) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}

	pipe := r.client.TxPipeline()
	if r.retention > 0 {
		pipe.Set(ctx, r.key(ev.SessionID), data, r.retention)
	}
	pipe.Publish(ctx, r.channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "failed to publish signature for %s", ev.SessionID)
	}
	return nil
}

// Latest returns the stored event for sessionID, if still retained.
func (r *Redis) Latest(ctx context.Context, sessionID string) (*Event, error) {
	data, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get event")
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal event")
	}
	return &ev, nil
}

// Log writes events to a logger. It is the default when no broker is
// configured.
type Log struct {
	logger zerolog.Logger
}

func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "publisher").Logger()}
}

func (l *Log) Publish(_ context.Context, ev Event) error {
	l.logger.Info().
		Str("session_id", ev.SessionID).
		Str("key_id", ev.KeyID).
		Str("signature", ev.Signature).
		Time("completed_at", ev.CompletedAt).
		Msg("signature completed")
	return nil
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Package events broadcasts triage session changes to doctor-facing feeds.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"medlink-server/internal/config"
	"medlink-server/internal/models"
)

// ErrFeedUnavailable is returned by Subscribe when no broker is configured.
var ErrFeedUnavailable = errors.New("triage event feed is not configured")

// Type names a triage event.
type Type string

const (
	SessionCreated   Type = "session_created"
	SummaryUpdated   Type = "summary_updated"
	SessionCompleted Type = "session_completed"
)

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case SessionCreated, SummaryUpdated, SessionCompleted:
		return true
	default:
		return false
	}
}

// Event is the payload published for every session change.
type Event struct {
	Type       Type             `json:"type"`
	SessionID  string           `json:"sessionId"`
	PatientID  string           `json:"patientId"`
	RiskLevel  models.RiskLevel `json:"riskLevel"`
	Status     string           `json:"status,omitempty"`
	OccurredAt time.Time        `json:"occurredAt"`
}

// NewEvent builds an event from the current state of a session.
func NewEvent(t Type, s *models.TriageSession) Event {
	return Event{
		Type:       t,
		SessionID:  s.ID,
		PatientID:  s.PatientID,
		RiskLevel:  s.RiskLevel,
		Status:     string(s.Status),
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher sends triage events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Subscriber delivers triage events until ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// Bus is both ends of the event channel.
type Bus interface {
	Publisher
	Subscriber
	Ping(ctx context.Context) error
}

// NewBus returns a Redis-backed bus, or a no-op bus when Redis is disabled.
func NewBus(cfg config.RedisConfig, logger *zap.Logger) Bus {
	if cfg.Addr == "" {
		return NopBus{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisBus(client, cfg.Channel, logger)
}

// RedisBus publishes and subscribes over a Redis pub/sub channel.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisBus wraps an existing client.
func NewRedisBus(client *redis.Client, channel string, logger *zap.Logger) *RedisBus {
	return &RedisBus{client: client, channel: channel, logger: logger}
}

// Publish implements Publisher.
func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	if !evt.Type.Valid() {
		return fmt.Errorf("unknown event type %q", evt.Type)
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	return nil
}

// Subscribe implements Subscriber. The returned channel is closed once ctx
// is done or the subscription drops.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil || !evt.Type.Valid() {
					b.logger.Warn("dropping malformed triage event", zap.String("payload", msg.Payload), zap.Error(err))
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

// Ping checks the broker connection.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

// NopBus drops every event. It is used when Redis is not configured.
type NopBus struct{}

// Publish implements Publisher.
func (NopBus) Publish(context.Context, Event) error { return nil }

// Subscribe implements Subscriber.
func (NopBus) Subscribe(context.Context) (<-chan Event, error) { return nil, ErrFeedUnavailable }

// Ping always succeeds.
func (NopBus) Ping(context.Context) error { return nil }

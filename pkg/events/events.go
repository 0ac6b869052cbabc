// Package events carries economy notifications to external sinks. Publishing is best-effort:
// a sink failure is logged and never rolls back the ledger.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type names an economy event.
type Type string

const (
	TransferCompleted Type = "transfer.completed"
	DuelResolved      Type = "duel.resolved"
	ClaimResolved     Type = "claim.resolved"
	ClaimExpired      Type = "claim.expired"
	TaxCollected      Type = "tax.collected"
)

// Event is the envelope written to every sink.
type Event struct {
	ID      uuid.UUID       `json:"id"`
	Type    Type            `json:"type"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// New wraps payload in an envelope stamped with at.
func New(typ Type, at time.Time, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{ID: uuid.New(), Type: typ, At: at.UTC(), Payload: raw}, nil
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Emitter publishes events without letting sink failures reach the caller.
type Emitter struct {
	publisher Publisher
	logger    *zap.Logger
	timeout   time.Duration
}

// NewEmitter wraps p; a nil p behaves like Nop.
func NewEmitter(p Publisher, logger *zap.Logger) *Emitter {
	if p == nil {
		p = Nop{}
	}
	return &Emitter{publisher: p, logger: logger, timeout: 3 * time.Second}
}

// Emit builds and publishes one event. The publish gets its own deadline so a slow sink cannot
// hold the caller past it.
func (em *Emitter) Emit(ctx context.Context, typ Type, payload any) {
	if em == nil {
		return
	}
	e, err := New(typ, time.Now(), payload)
	if err != nil {
		em.logger.Warn("Failed to encode event", zap.String("type", string(typ)), zap.Error(err))
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), em.timeout)
	defer cancel()
	if err := em.publisher.Publish(pubCtx, e); err != nil {
		em.logger.Warn("Failed to publish event",
			zap.String("type", string(typ)),
			zap.String("event_id", e.ID.String()),
			zap.Error(err))
	}
}

// Close closes the underlying publisher.
func (em *Emitter) Close() error {
	if em == nil {
		return nil
	}
	return em.publisher.Close()
}

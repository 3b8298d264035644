package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/propwatch-backend/pkg/redis"
)

// ErrDuplicate is returned by Guard when the event was already claimed by the
// same consumer.
var ErrDuplicate = errors.New("event already processed")

// Manager records processed event IDs per consumer so a redelivered Pub/Sub
// message runs its handler at most once per TTL window.
//
// Keys: pw:idempotency:evt:processed:<consumer>:<event_id>
type Manager struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

func NewManager(store redis.IdempotencyStore, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Manager{store: store, ttl: ttl}, nil
}

// Claim marks the event for consumer. It reports false when another delivery
// already holds the mark.
func (m *Manager) Claim(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return false, err
	}
	return m.store.SetNX(ctx, key, "1", m.ttl)
}

// Release drops the mark so the next delivery is processed again.
func (m *Manager) Release(ctx context.Context, consumer string, eventID uuid.UUID) error {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return err
	}
	return m.store.Del(ctx, key)
}

// Guard claims eventID, then runs fn. When fn fails with an error that keep
// does not accept, the claim is released so a redelivery can retry; errors
// accepted by keep leave the mark in place. A nil keep releases on every error.
func (m *Manager) Guard(ctx context.Context, consumer string, eventID uuid.UUID, keep func(error) bool, fn func(context.Context) error) error {
	claimed, err := m.Claim(ctx, consumer, eventID)
	if err != nil {
		return fmt.Errorf("claim %s: %w", consumer, err)
	}
	if !claimed {
		return ErrDuplicate
	}
	runErr := fn(ctx)
	if runErr == nil || (keep != nil && keep(runErr)) {
		return runErr
	}
	if err := m.Release(context.WithoutCancel(ctx), consumer, eventID); err != nil {
		return errors.Join(runErr, fmt.Errorf("release %s: %w", consumer, err))
	}
	return runErr
}

func (m *Manager) key(consumer string, eventID uuid.UUID) (string, error) {
	if consumer == "" {
		return "", errors.New("consumer name is required")
	}
	if eventID == uuid.Nil {
		return "", errors.New("event id is required")
	}
	return m.store.IdempotencyKey("evt:processed:"+consumer, eventID.String()), nil
}

package stripewebhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const guardScope = "stripe_webhook"

// ErrInFlight means another delivery of the same event holds the claim.
var ErrInFlight = errors.New("event is already being processed")

type claimStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)
	IdempotencyKey(scope, id string) string
}

// InFlightGuard serializes concurrent deliveries of one event. It only
// covers the window while a handler runs; the ledger decides whether a
// finished event is replayed.
type InFlightGuard struct {
	store claimStore
	ttl   time.Duration
}

func NewInFlightGuard(store claimStore, ttl time.Duration) (*InFlightGuard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	return &InFlightGuard{store: store, ttl: ttl}, nil
}

// Claim takes the event for the caller and returns the func that gives it
// back. A claim that outlives ttl lapses; releasing it afterwards leaves a
// newer claimant's key alone.
func (g *InFlightGuard) Claim(ctx context.Context, eventID string) (func(context.Context) error, error) {
	if eventID == "" {
		return nil, errors.New("event id is required")
	}
	key := g.store.IdempotencyKey(guardScope, eventID)
	token := uuid.NewString()
	won, err := g.store.SetNX(ctx, key, token, g.ttl)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", eventID, err)
	}
	if !won {
		return nil, ErrInFlight
	}
	return func(ctx context.Context) error {
		_, err := g.store.CompareAndDelete(ctx, key, token)
		return err
	}, nil
}

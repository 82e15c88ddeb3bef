package ratelimit

import (
	"context"
	"errors"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/store"
)

// casRetries bounds the optimistic decrement loop. Contention on a single
// user's balance is low; three attempts is already generous.
const casRetries = 3

// Credits spends per-request credits from user balances. Balances live in
// the user_tokens collection and are decremented with a compare-and-swap:
// the expected balance rides in the update filter, so two gateways racing on
// the same balance can never double-spend.
type Credits struct {
	store store.Store
}

// NewCredits creates a Credits spender over the document store.
func NewCredits(st store.Store) *Credits {
	return &Credits{store: st}
}

// Spend deducts one credit from the user's balance in the credit group.
// A missing balance document or an exhausted balance both reject the
// request; credits are charged before invocation and not refunded on
// upstream failure.
func (c *Credits) Spend(ctx context.Context, username, group string) (*gateway.UserCredit, error) {
	for range casRetries {
		doc, err := c.store.FindOne(ctx, store.CollUserTokens,
			store.Filter{"username": username, "api_credit_group": group})
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrCreditsExhausted
		}
		if err != nil {
			return nil, gateway.Wrap(gateway.ErrInternal, err)
		}

		var uc gateway.UserCredit
		if err := store.Decode(doc, &uc); err != nil {
			return nil, gateway.Wrap(gateway.ErrInternal, err)
		}
		if uc.Available <= 0 {
			return nil, gateway.ErrCreditsExhausted
		}

		err = c.store.UpdateOne(ctx, store.CollUserTokens,
			store.Filter{
				"username":          username,
				"api_credit_group":  group,
				"available_credits": float64(uc.Available),
			},
			store.Update{"$set": {"available_credits": float64(uc.Available - 1)}})
		if err == nil {
			uc.Available--
			return &uc, nil
		}
		if !errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.Wrap(gateway.ErrInternal, err)
		}
		// Lost the race: another request moved the balance. Re-read and retry.
	}
	return nil, gateway.ErrCreditsExhausted
}

// Balance returns the user's current balance in the credit group.
func (c *Credits) Balance(ctx context.Context, username, group string) (*gateway.UserCredit, error) {
	doc, err := c.store.FindOne(ctx, store.CollUserTokens,
		store.Filter{"username": username, "api_credit_group": group})
	if errors.Is(err, gateway.ErrNotFound) {
		return nil, gateway.ErrUserNotFound
	}
	if err != nil {
		return nil, gateway.Wrap(gateway.ErrInternal, err)
	}
	var uc gateway.UserCredit
	if err := store.Decode(doc, &uc); err != nil {
		return nil, gateway.Wrap(gateway.ErrInternal, err)
	}
	return &uc, nil
}

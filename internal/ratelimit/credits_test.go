package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/store"
)

func seedBalance(t *testing.T, st store.Store, username string, available int64) {
	t.Helper()
	err := st.InsertOne(context.Background(), store.CollUserTokens, store.Document{
		"username":          username,
		"api_credit_group":  "maps",
		"available_credits": float64(available),
		"tier":              "basic",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCredits_Spend(t *testing.T) {
	t.Parallel()
	st, _ := store.NewMemory("", "")
	c := NewCredits(st)
	ctx := context.Background()
	seedBalance(t, st, "bob", 2)

	uc, err := c.Spend(ctx, "bob", "maps")
	if err != nil {
		t.Fatal(err)
	}
	if uc.Available != 1 {
		t.Errorf("available = %d, want 1", uc.Available)
	}

	if _, err := c.Spend(ctx, "bob", "maps"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Spend(ctx, "bob", "maps"); !errors.Is(err, gateway.ErrCreditsExhausted) {
		t.Errorf("err = %v, want ErrCreditsExhausted", err)
	}
}

func TestCredits_MissingBalance(t *testing.T) {
	t.Parallel()
	st, _ := store.NewMemory("", "")
	c := NewCredits(st)

	if _, err := c.Spend(context.Background(), "ghost", "maps"); !errors.Is(err, gateway.ErrCreditsExhausted) {
		t.Errorf("err = %v, want ErrCreditsExhausted", err)
	}
}

func TestCredits_ConcurrentSpendNeverOverdraws(t *testing.T) {
	t.Parallel()
	st, _ := store.NewMemory("", "")
	c := NewCredits(st)
	ctx := context.Background()

	const balance = 20
	seedBalance(t, st, "bob", balance)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for range balance * 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Spend(ctx, "bob", "maps"); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted > balance {
		t.Errorf("granted %d spends from a balance of %d", granted, balance)
	}
	uc, err := c.Balance(ctx, "bob", "maps")
	if err != nil {
		t.Fatal(err)
	}
	if uc.Available < 0 {
		t.Errorf("balance went negative: %d", uc.Available)
	}
	if uc.Available != int64(balance-granted) {
		t.Errorf("balance = %d, granted = %d, want balance+granted = %d", uc.Available, granted, balance)
	}
}

func TestCredits_Balance(t *testing.T) {
	t.Parallel()
	st, _ := store.NewMemory("", "")
	c := NewCredits(st)
	seedBalance(t, st, "bob", 7)

	uc, err := c.Balance(context.Background(), "bob", "maps")
	if err != nil {
		t.Fatal(err)
	}
	if uc.Available != 7 || uc.Tier != "basic" {
		t.Errorf("balance = %+v", uc)
	}

	if _, err := c.Balance(context.Background(), "ghost", "maps"); !errors.Is(err, gateway.ErrUserNotFound) {
		t.Errorf("err = %v, want ErrUserNotFound", err)
	}
}

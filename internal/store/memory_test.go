package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	gateway "github.com/eugener/heimdall/internal"
)

func TestMemory_CRUD(t *testing.T) {
	t.Parallel()
	m, err := NewMemory("", "")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	doc := Document{"api_name": "billing", "api_version": "v1", "active": true}
	if err := m.InsertOne(ctx, CollApis, doc); err != nil {
		t.Fatal(err)
	}

	got, err := m.FindOne(ctx, CollApis, Filter{"api_name": "billing", "api_version": "v1"})
	if err != nil {
		t.Fatal(err)
	}
	if got["active"] != true {
		t.Errorf("active = %v, want true", got["active"])
	}

	// Returned documents must not alias store state.
	got["active"] = false
	again, _ := m.FindOne(ctx, CollApis, Filter{"api_name": "billing"})
	if again["active"] != true {
		t.Error("mutating a returned document must not change the store")
	}

	if err := m.UpdateOne(ctx, CollApis, Filter{"api_name": "billing"},
		Update{"$set": {"active": false}}); err != nil {
		t.Fatal(err)
	}
	updated, _ := m.FindOne(ctx, CollApis, Filter{"api_name": "billing"})
	if updated["active"] != false {
		t.Error("update did not apply")
	}

	if err := m.DeleteOne(ctx, CollApis, Filter{"api_name": "billing"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.FindOne(ctx, CollApis, Filter{"api_name": "billing"}); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemory_PushPull(t *testing.T) {
	t.Parallel()
	m, _ := NewMemory("", "")
	ctx := context.Background()

	m.InsertOne(ctx, CollSubscriptions, Document{"username": "bob", "apis": []any{"a/v1"}}) //nolint:errcheck

	if err := m.UpdateOne(ctx, CollSubscriptions, Filter{"username": "bob"},
		Update{"$push": {"apis": "b/v1"}}); err != nil {
		t.Fatal(err)
	}
	doc, _ := m.FindOne(ctx, CollSubscriptions, Filter{"username": "bob"})
	if apis := doc["apis"].([]any); len(apis) != 2 {
		t.Fatalf("apis = %v, want 2 entries", apis)
	}

	if err := m.UpdateOne(ctx, CollSubscriptions, Filter{"username": "bob"},
		Update{"$pull": {"apis": "b/v1"}}); err != nil {
		t.Fatal(err)
	}
	doc, _ = m.FindOne(ctx, CollSubscriptions, Filter{"username": "bob"})
	if apis := doc["apis"].([]any); len(apis) != 1 || apis[0] != "a/v1" {
		t.Errorf("apis = %v, want [a/v1]", apis)
	}
}

func TestMemory_CASUpdate(t *testing.T) {
	t.Parallel()
	m, _ := NewMemory("", "")
	ctx := context.Background()

	m.InsertOne(ctx, CollUserTokens, Document{ //nolint:errcheck
		"username": "bob", "api_credit_group": "cg", "available_credits": float64(1),
	})

	// First guarded decrement matches the expected balance.
	err := m.UpdateOne(ctx, CollUserTokens,
		Filter{"username": "bob", "available_credits": float64(1)},
		Update{"$set": {"available_credits": float64(0)}})
	if err != nil {
		t.Fatal(err)
	}

	// Second one must miss: the balance is no longer 1.
	err = m.UpdateOne(ctx, CollUserTokens,
		Filter{"username": "bob", "available_credits": float64(1)},
		Update{"$set": {"available_credits": float64(0)}})
	if !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemory_FindSortSkipLimit(t *testing.T) {
	t.Parallel()
	m, _ := NewMemory("", "")
	ctx := context.Background()

	for _, n := range []float64{3, 1, 2} {
		m.InsertOne(ctx, CollTiers, Document{"tier_id": "t", "requests_per_minute": n}) //nolint:errcheck
	}

	docs, err := m.Find(ctx, CollTiers, Filter{"tier_id": "t"},
		&FindOptions{Sort: "requests_per_minute", Skip: 1, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0]["requests_per_minute"] != float64(2) {
		t.Errorf("docs = %v, want single rpm=2", docs)
	}
}

func TestMemory_Watch(t *testing.T) {
	t.Parallel()
	m, _ := NewMemory("", "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := m.Watch(ctx, CollApis)
	if err != nil {
		t.Fatal(err)
	}

	m.InsertOne(ctx, CollApis, Document{"api_name": "x"}) //nolint:errcheck

	ev := <-ch
	if ev.Type != EventInsert || ev.Document["api_name"] != "x" {
		t.Errorf("event = %+v, want insert of x", ev)
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.dmp")
	ctx := context.Background()

	m, err := NewMemory(path, "a-passphrase-with-length")
	if err != nil {
		t.Fatal(err)
	}
	m.InsertOne(ctx, CollUsers, Document{ //nolint:errcheck
		"username": "bob",
		"blob":     []byte{0x00, 0xff, 0x7f},
		"nested":   map[string]any{"groups": []any{"g1", "g2"}},
	})
	if err := m.Dump(); err != nil {
		t.Fatal(err)
	}

	restored, err := NewMemory(path, "a-passphrase-with-length")
	if err != nil {
		t.Fatal(err)
	}
	if err := restored.Restore(); err != nil {
		t.Fatal(err)
	}

	doc, err := restored.FindOne(ctx, CollUsers, Filter{"username": "bob"})
	if err != nil {
		t.Fatal(err)
	}
	blob, ok := doc["blob"].([]byte)
	if !ok || len(blob) != 3 || blob[1] != 0xff {
		t.Errorf("blob = %#v, want exact []byte round-trip", doc["blob"])
	}
	nested := doc["nested"].(map[string]any)
	if groups := nested["groups"].([]any); len(groups) != 2 || groups[0] != "g1" {
		t.Errorf("nested = %#v", nested)
	}
}

func TestSnapshot_RejectsBadInput(t *testing.T) {
	t.Parallel()

	if _, err := NewMemory(filepath.Join(t.TempDir(), "x.dmp"), "short"); err == nil {
		t.Error("short passphrase must be rejected")
	}

	path := filepath.Join(t.TempDir(), "state.dmp")
	m, err := NewMemory(path, "a-passphrase-with-length")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Dump(); err != nil {
		t.Fatal(err)
	}

	// Wrong passphrase fails authentication, not silently.
	other, _ := NewMemory(path, "another-wrong-passphrase")
	if err := other.Restore(); !errors.Is(err, ErrBadSnapshot) {
		t.Errorf("err = %v, want ErrBadSnapshot", err)
	}
}

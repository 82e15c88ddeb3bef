// Package store defines the document store adapter used by the config
// resolver: a uniform query/update surface over either a persistent SQLite
// backend or a thread-safe in-process backend with encrypted snapshots.
//
// The query language is deliberately small: filters are dotted-path equality
// matches, updates are $set/$push/$pull. Compare-and-swap is expressed by
// including the expected current value in the filter of an UpdateOne.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Collections managed by the gateway.
const (
	CollApis               = "apis"
	CollEndpoints          = "endpoints"
	CollEndpointValidation = "endpoint_validation"
	CollUsers              = "users"
	CollRoles              = "roles"
	CollGroups             = "groups"
	CollSubscriptions      = "subscriptions"
	CollRoutings           = "routings"
	CollTiers              = "tiers"
	CollTierAssignments    = "tier_assignments"
	CollTokenDefs          = "token_definitions"
	CollUserTokens         = "user_tokens"
	CollSecuritySettings   = "security_settings"
)

// Collections returns every known collection name.
func Collections() []string {
	return []string{
		CollApis, CollEndpoints, CollEndpointValidation, CollUsers, CollRoles,
		CollGroups, CollSubscriptions, CollRoutings, CollTiers,
		CollTierAssignments, CollTokenDefs, CollUserTokens, CollSecuritySettings,
	}
}

// Document is a schemaless record.
type Document = map[string]any

// Filter maps dotted paths to required values (equality only).
type Filter = map[string]any

// Update is a $set/$push/$pull update document.
type Update = map[string]map[string]any

// FindOptions controls Find pagination and ordering.
type FindOptions struct {
	Sort  string // dotted path; prefix "-" for descending
	Skip  int
	Limit int
}

// EventType identifies a change-stream event.
type EventType string

// Change-stream event types.
const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event is a single change-stream notification.
type Event struct {
	Type       EventType
	Collection string
	Document   Document
}

// ErrWatchUnsupported is returned by backends without change streams.
var ErrWatchUnsupported = errors.New("store: watch not supported")

// Store is the document store adapter consumed by the config resolver.
type Store interface {
	FindOne(ctx context.Context, collection string, filter Filter) (Document, error)
	Find(ctx context.Context, collection string, filter Filter, opts *FindOptions) ([]Document, error)
	InsertOne(ctx context.Context, collection string, doc Document) error
	// UpdateOne applies the update to the first matching document
	// atomically. Returns gateway.ErrNotFound when nothing matches, which
	// makes CAS loops expressible through equality filters.
	UpdateOne(ctx context.Context, collection string, filter Filter, update Update) error
	DeleteOne(ctx context.Context, collection string, filter Filter) error
	Count(ctx context.Context, collection string, filter Filter) (int64, error)
	// Watch emits change events for a collection until ctx is cancelled.
	// Backends may return ErrWatchUnsupported.
	Watch(ctx context.Context, collection string) (<-chan Event, error)
	Close() error
}

// Encode converts a domain struct into a Document via its JSON form.
func Encode(v any) (Document, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return doc, nil
}

// Decode populates a domain struct from a Document.
func Decode(doc Document, v any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// pathGet walks a dotted path through nested maps.
func pathGet(doc Document, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// pathSet writes a value at a dotted path, creating intermediate maps.
func pathSet(doc Document, path string, val any) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = val
}

// valueEq compares a stored value with a filter value. JSON decoding turns
// all numbers into float64, so numeric comparison goes through float64.
func valueEq(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// matches reports whether doc satisfies every equality clause in filter.
func matches(doc Document, filter Filter) bool {
	for path, want := range filter {
		got, ok := pathGet(doc, path)
		if !ok || !valueEq(got, want) {
			return false
		}
	}
	return true
}

// ApplyUpdate mutates doc in place according to the update document.
// Shared by the backends so both interpret operators identically.
func ApplyUpdate(doc Document, update Update) error {
	for op, fields := range update {
		switch op {
		case "$set":
			for path, val := range fields {
				pathSet(doc, path, val)
			}
		case "$push":
			for path, val := range fields {
				cur, _ := pathGet(doc, path)
				arr, _ := cur.([]any)
				pathSet(doc, path, append(arr, val))
			}
		case "$pull":
			for path, val := range fields {
				cur, _ := pathGet(doc, path)
				arr, _ := cur.([]any)
				out := arr[:0]
				for _, item := range arr {
					if !valueEq(item, val) {
						out = append(out, item)
					}
				}
				pathSet(doc, path, out)
			}
		default:
			return fmt.Errorf("store: unsupported update operator %q", op)
		}
	}
	return nil
}

package store

import (
	"context"
	"errors"
)

// Persisted state namespaces.
const (
	NamespaceSession = "session"
	NamespaceCart    = "cart"
)

// ErrNotFound is returned when a namespace has no persisted value.
var ErrNotFound = errors.New("store: not found")

// Store is durable key-value persistence for client state. Values are
// JSON-encoded; Load unmarshals into v.
type Store interface {
	Load(ctx context.Context, namespace string, v any) error
	Save(ctx context.Context, namespace string, v any) error
	Delete(ctx context.Context, namespace string) error
}

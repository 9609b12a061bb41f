package userstate

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// Mutation receives the state as read and returns the state to persist.
// Returning an error aborts the transaction and nothing is written.
type Mutation func(current UserState) (UserState, error)

// Machine layers read-modify-write transactions over a Store.
type Machine struct {
	store Store
}

// NewMachine wraps store.
func NewMachine(store Store) *Machine {
	return &Machine{store: store}
}

// Get returns the user's state, or an empty state when the user has no document yet.
func (machine *Machine) Get(ctx context.Context, userID string) (UserState, error) {
	state, _, err := machine.store.Read(ctx, userID)
	if err != nil {
		return UserState{}, err
	}
	return state, nil
}

// Run reads the user's state, applies mutate and writes the result guarded by the revision
// observed at read time. A concurrent write in between surfaces as an error matching
// ErrConflict; Run never retries on its own.
func (machine *Machine) Run(ctx context.Context, userID string, mutate Mutation) (UserState, error) {
	current, _, err := machine.store.Read(ctx, userID)
	if err != nil {
		return UserState{}, err
	}
	updated, mutateErr := mutate(cloneState(current))
	if mutateErr != nil {
		return current, mutateErr
	}
	updated.UserID = userID
	updated.Revision = current.Revision

	revision, writeErr := machine.store.Write(ctx, updated)
	if writeErr != nil {
		return current, writeErr
	}
	updated.Revision = revision
	return updated, nil
}

// Open selects a store for databaseURL: empty for memory, sqlite:// or postgres:// for the
// GORM store, redis:// or rediss:// for Redis. The returned closer is nil for memory.
func Open(ctx context.Context, databaseURL string) (Store, io.Closer, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil, "memory", nil
	}
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, nil, "", fmt.Errorf("user_state.parse_url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "redis", "rediss":
		store, openErr := NewRedisStoreFromURL(ctx, databaseURL)
		if openErr != nil {
			return nil, nil, "", openErr
		}
		return store, store, "redis", nil
	default:
		store, openErr := NewDatabaseStore(ctx, databaseURL)
		if openErr != nil {
			return nil, nil, "", openErr
		}
		return store, store, store.Driver(), nil
	}
}

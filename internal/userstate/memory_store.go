package userstate

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory store intended for tests and dev.
type MemoryStore struct {
	mutex     sync.Mutex
	documents map[string]UserState
}

// Compile-time check to ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{documents: make(map[string]UserState)}
}

// Read returns a copy of the stored document.
func (store *MemoryStore) Read(ctx context.Context, userID string) (UserState, bool, error) {
	if userID == "" {
		return UserState{}, false, fmt.Errorf("user_state.read.memory: %w", ErrEmptyUserID)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	stored, ok := store.documents[userID]
	if !ok {
		return UserState{UserID: userID}, false, nil
	}
	return cloneState(stored), true, nil
}

// Write stores a copy of state when the revision still matches.
func (store *MemoryStore) Write(ctx context.Context, state UserState) (Revision, error) {
	if state.UserID == "" {
		return "", fmt.Errorf("user_state.write.memory: %w", ErrEmptyUserID)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	current := store.documents[state.UserID]
	if current.Revision != state.Revision {
		return "", &ConflictError{
			UserID:           state.UserID,
			ExpectedRevision: state.Revision,
			CurrentRevision:  current.Revision,
		}
	}
	revision, _ := nextRevision(current.Revision)
	stored := cloneState(state)
	stored.Revision = revision
	store.documents[state.UserID] = stored
	return revision, nil
}

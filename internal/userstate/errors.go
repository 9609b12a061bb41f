package userstate

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict indicates a guarded write lost a race against another writer.
	ErrConflict = errors.New("user_state.conflict")
	// ErrEmptyUserID indicates that a store operation was attempted without a user identifier.
	ErrEmptyUserID = errors.New("user_state.empty_user_id")
	// ErrUnsupportedDialect indicates that no backend is available for the database URL scheme.
	ErrUnsupportedDialect = errors.New("user_state.unsupported_dialect")
)

// ConflictError describes a rejected guarded write.
type ConflictError struct {
	UserID           string
	ExpectedRevision Revision
	CurrentRevision  Revision
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: user %q expected revision %q, current %q", ErrConflict, e.UserID, e.ExpectedRevision, e.CurrentRevision)
}

// Is makes errors.Is(err, ErrConflict) match any ConflictError.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

package userstate

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Store persists one document per user with revision-checked writes.
type Store interface {
	// Read returns the stored document. A missing document is reported with found=false
	// and an empty state carrying only the user id; it is not an error.
	Read(ctx context.Context, userID string) (state UserState, found bool, err error)
	// Write replaces the document if its current revision equals state.Revision
	// (an empty revision means "create, document must not exist") and returns the new revision.
	// A mismatch yields a *ConflictError.
	Write(ctx context.Context, state UserState) (Revision, error)
}

// nextRevision derives the revision following current: "<generation>-<uuid>".
func nextRevision(current Revision) (Revision, int64) {
	generation := revisionGeneration(current) + 1
	return Revision(strconv.FormatInt(generation, 10) + "-" + uuid.NewString()), generation
}

func revisionGeneration(revision Revision) int64 {
	prefix, _, found := strings.Cut(string(revision), "-")
	if !found {
		return 0
	}
	generation, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0
	}
	return generation
}

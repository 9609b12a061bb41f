// Package authflow suspends actions for users without a usable credential,
// resumes them once the OAuth redirect completes and keeps the credential
// refreshed in the background.
//
// All per-user mutation goes through userstate.Machine; nothing here holds a
// lock across users or across I/O.
package authflow

import (
	"context"
	"errors"
	"time"

	"github.com/tyemirov/actiongate/internal/events"
	"github.com/tyemirov/actiongate/internal/messenger"
	"github.com/tyemirov/actiongate/internal/userstate"
)

// maxWriteAttempts bounds re-read-and-retry loops after a guarded write conflict.
const maxWriteAttempts = 3

var (
	// ErrNoAwaitingSession indicates a completion arrived for a user with no suspended action.
	ErrNoAwaitingSession = errors.New("authflow.no_awaiting_session")
	// ErrUpstreamAuth indicates the identity provider rejected a code or refresh token.
	ErrUpstreamAuth = errors.New("authflow.upstream_auth_failure")
	// ErrMissingRefreshToken indicates there is nothing to refresh with.
	ErrMissingRefreshToken = errors.New("authflow.missing_refresh_token")
	// ErrMissingDependency indicates a required collaborator was not configured.
	ErrMissingDependency = errors.New("authflow.missing_dependency")

	errAlreadyResumed      = errors.New("authflow.already_resumed")
	errBecameAuthenticated = errors.New("authflow.became_authenticated")
)

// ActionRequest is one action invocation on behalf of a user.
type ActionRequest struct {
	UserID     string
	ActionType string
	Action     events.Action
	Tokens     userstate.Tokens
}

// ActionHandler runs business logic for an action.
type ActionHandler interface {
	HandleAction(ctx context.Context, request ActionRequest) error
}

// ActionHandlerFunc adapts a function to ActionHandler.
type ActionHandlerFunc func(ctx context.Context, request ActionRequest) error

// HandleAction calls fn.
func (fn ActionHandlerFunc) HandleAction(ctx context.Context, request ActionRequest) error {
	return fn(ctx, request)
}

// Notifier delivers a targeted message to a user in a conversation.
type Notifier interface {
	SendTargeted(ctx context.Context, message messenger.TargetedMessage) error
}

// Authorizer builds the provider's authorization URL.
type Authorizer interface {
	Name() string
	AuthorizationURL(state string) string
}

// CodeExchanger trades an authorization code for tokens.
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code string) (userstate.Tokens, error)
}

// TokenRefresher trades a refresh token for a new bundle.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (userstate.Tokens, error)
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a Clock backed by time.Now in UTC.
func NewSystemClock() Clock {
	return systemClock{}
}

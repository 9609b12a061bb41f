package authflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tyemirov/actiongate/internal/events"
	"github.com/tyemirov/actiongate/internal/metrics"
	"github.com/tyemirov/actiongate/internal/userstate"
)

// CompletionConfig wires the collaborators of a Completion.
type CompletionConfig struct {
	Machine          *userstate.Machine
	Exchanger        CodeExchanger
	// Resumer runs the suspended action once the user is authenticated.
	Resumer          ActionHandler
	Refresher        *Refresher
	Logger           *zap.Logger
	Metrics          metrics.Recorder
	Clock            Clock
	// FallbackLifetime is assumed for tokens issued without an expiry.
	FallbackLifetime time.Duration
}

// Completion finishes an OAuth round-trip started by the Gate.
type Completion struct {
	machine   *userstate.Machine
	exchanger CodeExchanger
	resumer   ActionHandler
	refresher *Refresher
	logger    *zap.Logger
	metrics   metrics.Recorder
	clock     Clock
	lifetime  time.Duration
}

// NewCompletion validates configuration and builds a Completion.
func NewCompletion(configuration CompletionConfig) (*Completion, error) {
	if configuration.Machine == nil || configuration.Exchanger == nil || configuration.Resumer == nil {
		return nil, fmt.Errorf("%w: completion requires machine, exchanger and resumer", ErrMissingDependency)
	}
	completion := &Completion{
		machine:   configuration.Machine,
		exchanger: configuration.Exchanger,
		resumer:   configuration.Resumer,
		refresher: configuration.Refresher,
		logger:    configuration.Logger,
		metrics:   configuration.Metrics,
		clock:     configuration.Clock,
		lifetime:  configuration.FallbackLifetime,
	}
	if completion.logger == nil {
		completion.logger = zap.NewNop()
	}
	if completion.metrics == nil {
		completion.metrics = metrics.Nop{}
	}
	if completion.clock == nil {
		completion.clock = NewSystemClock()
	}
	if completion.lifetime <= 0 {
		completion.lifetime = defaultFallbackLifetime
	}
	return completion, nil
}

// Complete exchanges code for tokens, stores them and resumes the user's pending action.
// A user with no pending action is left untouched and nil is returned; when two completions
// race, the pending action is resumed by exactly one of them.
func (completion *Completion) Complete(ctx context.Context, userID string, code string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(code) == "" {
		return fmt.Errorf("%w: user id and code are required", ErrNoAwaitingSession)
	}

	fresh, err := completion.exchanger.ExchangeCode(ctx, code)
	if err != nil {
		completion.metrics.Increment("completion.exchange_failed")
		completion.logger.Error("code exchange failed", zap.String("code", "completion.exchange_failed"), zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrUpstreamAuth, err)
	}
	fresh = fresh.WithExpiry(completion.clock.Now(), completion.lifetime)

	merged, err := completion.machine.Run(ctx, userID, func(current userstate.UserState) (userstate.UserState, error) {
		if current.Pending == nil {
			return current, ErrNoAwaitingSession
		}
		tokens := userstate.MergeTokens(current.Tokens, fresh)
		current.Tokens = &tokens
		return current, nil
	})
	if errors.Is(err, ErrNoAwaitingSession) {
		completion.metrics.Increment("completion.no_session")
		completion.logger.Info("completion without awaiting session ignored", zap.String("code", "completion.no_session"), zap.String("user_id", userID))
		return nil
	}
	if err != nil {
		completion.logger.Error("token merge failed", zap.String("code", "completion.merge_failed"), zap.String("user_id", userID), zap.Error(err))
		return err
	}

	pending, claimed, err := completion.claim(ctx, userID)
	if err != nil {
		completion.logger.Error("pending claim failed", zap.String("code", "completion.claim_failed"), zap.String("user_id", userID), zap.Error(err))
		return err
	}
	tokens := *merged.Tokens
	if claimed.Tokens != nil {
		tokens = *claimed.Tokens
	}
	if pending != nil {
		completion.resume(ctx, userID, *pending, tokens)
	} else {
		completion.metrics.Increment("completion.no_session")
		completion.logger.Info("pending action already resumed", zap.String("code", "completion.no_session"), zap.String("user_id", userID))
	}

	if completion.refresher != nil {
		completion.refresher.Schedule(userID, tokens)
	}
	return nil
}

// claim clears the pending action with a guarded write and returns it to the single winner.
// A nil pending action means another completion got there first.
func (completion *Completion) claim(ctx context.Context, userID string) (*userstate.PendingAction, userstate.UserState, error) {
	var lastErr error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		var pending *userstate.PendingAction
		updated, err := completion.machine.Run(ctx, userID, func(current userstate.UserState) (userstate.UserState, error) {
			if current.Pending == nil {
				return current, errAlreadyResumed
			}
			pending = current.Pending
			current.Pending = nil
			return current, nil
		})
		switch {
		case err == nil:
			return pending, updated, nil
		case errors.Is(err, errAlreadyResumed):
			return nil, updated, nil
		case errors.Is(err, userstate.ErrConflict):
			lastErr = err
		default:
			return nil, userstate.UserState{}, err
		}
	}
	return nil, userstate.UserState{}, lastErr
}

func (completion *Completion) resume(ctx context.Context, userID string, pending userstate.PendingAction, tokens userstate.Tokens) {
	action, err := events.DecodeAction(pending.Payload)
	if err != nil {
		completion.logger.Error("pending action unreadable", zap.String("code", "completion.malformed_pending"), zap.String("user_id", userID), zap.Error(err))
		return
	}
	request := ActionRequest{
		UserID:     userID,
		ActionType: pending.ActionType,
		Action:     action,
		Tokens:     tokens,
	}
	completion.metrics.Increment("completion.resumed")
	completion.logger.Info("resuming pending action", zap.String("code", "completion.resumed"), zap.String("user_id", userID), zap.String("action_type", pending.ActionType))
	if err := completion.resumer.HandleAction(ctx, request); err != nil {
		completion.logger.Warn("resumed action failed", zap.String("code", "completion.action_failed"), zap.String("user_id", userID), zap.Error(err))
	}
}

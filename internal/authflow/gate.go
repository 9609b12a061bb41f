package authflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tyemirov/actiongate/internal/messenger"
	"github.com/tyemirov/actiongate/internal/metrics"
	"github.com/tyemirov/actiongate/internal/userstate"
)

// GateConfig wires the collaborators of a Gate.
type GateConfig struct {
	Machine    *userstate.Machine
	Authorizer Authorizer
	Notifier   Notifier
	Logger     *zap.Logger
	Metrics    metrics.Recorder
	Clock      Clock
}

// Gate lets actions through for authenticated users and suspends them otherwise.
type Gate struct {
	machine    *userstate.Machine
	authorizer Authorizer
	notifier   Notifier
	logger     *zap.Logger
	metrics    metrics.Recorder
	clock      Clock
}

// NewGate validates configuration and builds a Gate.
func NewGate(configuration GateConfig) (*Gate, error) {
	if configuration.Machine == nil || configuration.Authorizer == nil || configuration.Notifier == nil {
		return nil, fmt.Errorf("%w: gate requires machine, authorizer and notifier", ErrMissingDependency)
	}
	gate := &Gate{
		machine:    configuration.Machine,
		authorizer: configuration.Authorizer,
		notifier:   configuration.Notifier,
		logger:     configuration.Logger,
		metrics:    configuration.Metrics,
		clock:      configuration.Clock,
	}
	if gate.logger == nil {
		gate.logger = zap.NewNop()
	}
	if gate.metrics == nil {
		gate.metrics = metrics.Nop{}
	}
	if gate.clock == nil {
		gate.clock = NewSystemClock()
	}
	return gate, nil
}

// Require wraps next so it only runs with a usable credential attached to the request.
// Without one, the action is recorded as pending and the user is asked to log in.
// Conflicting pending writes are retried until one lands or ctx ends.
func (gate *Gate) Require(next ActionHandler) ActionHandler {
	return ActionHandlerFunc(func(ctx context.Context, request ActionRequest) error {
		state, err := gate.machine.Get(ctx, request.UserID)
		if err != nil {
			gate.logger.Error("gate read failed", zap.String("code", "gate.read_failed"), zap.String("user_id", request.UserID), zap.Error(err))
			return err
		}
		if state.Tokens.Usable(gate.clock.Now()) {
			gate.metrics.Increment("gate.authenticated")
			request.Tokens = *state.Tokens
			return next.HandleAction(ctx, request)
		}
		return gate.suspend(ctx, request, next)
	})
}

func (gate *Gate) suspend(ctx context.Context, request ActionRequest, next ActionHandler) error {
	pending := &userstate.PendingAction{
		ActionType: request.ActionType,
		Payload:    request.Action.Raw(),
	}
	for attempt := 1; ; attempt++ {
		current, err := gate.machine.Run(ctx, request.UserID, func(current userstate.UserState) (userstate.UserState, error) {
			if current.Tokens.Usable(gate.clock.Now()) {
				return current, errBecameAuthenticated
			}
			current.Pending = pending
			return current, nil
		})
		switch {
		case err == nil:
			gate.metrics.Increment("gate.pending_recorded")
			gate.logger.Info("action suspended pending login",
				zap.String("code", "gate.pending_recorded"),
				zap.String("user_id", request.UserID),
				zap.String("action_type", request.ActionType),
			)
			gate.requestLogin(ctx, request)
			return nil
		case errors.Is(err, errBecameAuthenticated):
			gate.metrics.Increment("gate.authenticated")
			request.Tokens = *current.Tokens
			return next.HandleAction(ctx, request)
		case errors.Is(err, userstate.ErrConflict):
			gate.metrics.Increment("gate.conflict")
			gate.logger.Debug("pending write conflicted", zap.String("code", "gate.conflict"), zap.String("user_id", request.UserID), zap.Int("attempt", attempt))
			if ctxErr := ctx.Err(); ctxErr != nil {
				gate.logger.Warn("pending write abandoned", zap.String("code", "gate.conflict"), zap.String("user_id", request.UserID), zap.Error(ctxErr))
				return fmt.Errorf("%w: %w", err, ctxErr)
			}
		default:
			gate.logger.Error("pending write failed", zap.String("code", "gate.write_failed"), zap.String("user_id", request.UserID), zap.Error(err))
			return err
		}
	}
}

func (gate *Gate) requestLogin(ctx context.Context, request ActionRequest) {
	message := messenger.TargetedMessage{
		ConversationID: request.Action.ConversationID,
		UserID:         request.UserID,
		TargetDialogID: request.Action.TargetDialogID,
		Title:          "Please log in to " + gate.authorizer.Name(),
		Text:           gate.authorizer.AuthorizationURL(request.UserID),
	}
	if strings.TrimSpace(message.Text) == "" {
		gate.metrics.Increment("gate.notify_failed")
		gate.logger.Error("authorization url empty", zap.String("code", "gate.notify_failed"), zap.String("user_id", request.UserID))
		return
	}
	if err := gate.notifier.SendTargeted(ctx, message); err != nil {
		gate.metrics.Increment("gate.notify_failed")
		gate.logger.Warn("login prompt not delivered", zap.String("code", "gate.notify_failed"), zap.String("user_id", request.UserID), zap.Error(err))
	}
}

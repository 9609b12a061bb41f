package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/actiongate/internal/authflow"
	"github.com/tyemirov/actiongate/internal/events"
	"github.com/tyemirov/actiongate/internal/webhook"
	webassets "github.com/tyemirov/actiongate/web"
)

const (
	// PathMessages receives action webhooks.
	PathMessages = "/messages"
	// PathOAuthCallback is the identity provider's redirect target.
	PathOAuthCallback = "/oauth2callback"
	// PathHealth answers liveness probes.
	PathHealth = "/healthz"
	// PathMetrics exposes Prometheus metrics.
	PathMetrics = "/metrics"

	oauthCompletePage  = "oauth-complete.html"
	defaultTaskTimeout = 30 * time.Second
)

// Completer finishes an OAuth round-trip for a user.
type Completer interface {
	Complete(ctx context.Context, userID string, code string) error
}

// Executor runs work after the HTTP response has been written.
type Executor func(task func())

// GoExecutor runs each task on its own goroutine.
func GoExecutor(task func()) {
	go task()
}

// Dependencies wires the HTTP surface to the action pipeline.
type Dependencies struct {
	AppID         string
	WebhookSecret []byte
	// Actions receives every selected action; normally the gate wrapped around the router.
	Actions       authflow.ActionHandler
	Completion    Completer
	Metrics       http.Handler
	Logger        *zap.Logger
	// TaskTimeout bounds each background task.
	TaskTimeout   time.Duration
	// BaseContext is the parent of background task contexts; cancelling it aborts them.
	BaseContext   context.Context
	Executor      Executor
}

type handlers struct {
	dependencies Dependencies
	logger       *zap.Logger
}

// MountRoutes registers the webhook, OAuth callback, health and metrics routes.
func MountRoutes(router gin.IRouter, dependencies Dependencies) {
	if dependencies.Logger == nil {
		dependencies.Logger = zap.NewNop()
	}
	if dependencies.TaskTimeout <= 0 {
		dependencies.TaskTimeout = defaultTaskTimeout
	}
	if dependencies.BaseContext == nil {
		dependencies.BaseContext = context.Background()
	}
	if dependencies.Executor == nil {
		dependencies.Executor = GoExecutor
	}
	routeHandlers := &handlers{dependencies: dependencies, logger: dependencies.Logger}

	router.POST(PathMessages, webhook.Verify(dependencies.Logger, dependencies.WebhookSecret), routeHandlers.handleWebhook)
	router.GET(PathOAuthCallback, routeHandlers.handleOAuthCallback)
	router.GET(PathHealth, func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})
	if dependencies.Metrics != nil {
		router.GET(PathMetrics, gin.WrapH(dependencies.Metrics))
	}
}

func (routeHandlers *handlers) background(task func(ctx context.Context)) {
	dependencies := routeHandlers.dependencies
	dependencies.Executor(func() {
		ctx, cancel := context.WithTimeout(dependencies.BaseContext, dependencies.TaskTimeout)
		defer cancel()
		task(ctx)
	})
}

func (routeHandlers *handlers) handleWebhook(contextGin *gin.Context) {
	rawBody, _ := contextGin.Get(webhook.ContextKeyBody)
	body, _ := rawBody.([]byte)
	contextGin.Status(http.StatusOK)

	if routeHandlers.dependencies.Actions == nil {
		return
	}
	routeHandlers.background(func(ctx context.Context) {
		routeHandlers.dispatch(ctx, body)
	})
}

func (routeHandlers *handlers) dispatch(ctx context.Context, body []byte) {
	var envelope events.Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		routeHandlers.logger.Debug("webhook body is not an envelope", zap.String("code", "events.malformed"), zap.Error(err))
		return
	}
	events.OnActionSelected(envelope, routeHandlers.dependencies.AppID, func(actionID string, action events.Action, userID string) {
		request := authflow.ActionRequest{
			UserID:     userID,
			ActionType: events.RouteKey(actionID),
			Action:     action,
		}
		if err := routeHandlers.dependencies.Actions.HandleAction(ctx, request); err != nil {
			routeHandlers.logger.Warn("action failed",
				zap.String("code", "actions.failed"),
				zap.String("user_id", userID),
				zap.String("action_type", request.ActionType),
				zap.Error(err),
			)
		}
	})
}

func (routeHandlers *handlers) handleOAuthCallback(contextGin *gin.Context) {
	if providerError := strings.TrimSpace(contextGin.Query("error")); providerError != "" {
		routeHandlers.logger.Info("authorization declined", zap.String("code", "completion.declined"), zap.String("reason", providerError))
		contextGin.String(http.StatusBadRequest, "Login was not completed: %s", providerError)
		return
	}
	code := strings.TrimSpace(contextGin.Query("code"))
	userID := strings.TrimSpace(contextGin.Query("state"))
	if code == "" || userID == "" {
		contextGin.String(http.StatusBadRequest, "missing code or state")
		return
	}

	ServeEmbeddedPage(contextGin, webassets.FS, oauthCompletePage)

	if routeHandlers.dependencies.Completion == nil {
		return
	}
	routeHandlers.background(func(ctx context.Context) {
		if err := routeHandlers.dependencies.Completion.Complete(ctx, userID, code); err != nil {
			routeHandlers.logger.Warn("oauth completion failed", zap.String("code", "completion.failed"), zap.String("user_id", userID), zap.Error(err))
		}
	})
}

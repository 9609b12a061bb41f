// Package actions holds the business handlers behind each action route key.
package actions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tyemirov/actiongate/internal/authflow"
)

// Router dispatches action requests by route key.
type Router struct {
	logger   *zap.Logger
	mutex    sync.RWMutex
	handlers map[string]authflow.ActionHandler
}

// NewRouter returns an empty router.
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{logger: logger, handlers: make(map[string]authflow.ActionHandler)}
}

// Handle registers handler for routeKey, replacing any previous registration.
func (router *Router) Handle(routeKey string, handler authflow.ActionHandler) {
	router.mutex.Lock()
	defer router.mutex.Unlock()
	router.handlers[routeKey] = handler
}

// Routes lists registered route keys in order.
func (router *Router) Routes() []string {
	router.mutex.RLock()
	defer router.mutex.RUnlock()
	keys := make([]string, 0, len(router.handlers))
	for key := range router.handlers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// HandleAction runs the handler registered for the request's action type.
// Unknown route keys are ignored.
func (router *Router) HandleAction(ctx context.Context, request authflow.ActionRequest) error {
	router.mutex.RLock()
	handler, ok := router.handlers[request.ActionType]
	router.mutex.RUnlock()
	if !ok {
		router.logger.Debug("no handler for action", zap.String("code", "actions.unrouted"), zap.String("action_type", request.ActionType))
		return nil
	}
	if err := handler.HandleAction(ctx, request); err != nil {
		return fmt.Errorf("actions%s: %w", request.ActionType, err)
	}
	return nil
}

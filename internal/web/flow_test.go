package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"github.com/tyemirov/actiongate/internal/actions"
	"github.com/tyemirov/actiongate/internal/authflow"
	"github.com/tyemirov/actiongate/internal/messenger"
	"github.com/tyemirov/actiongate/internal/metrics"
	"github.com/tyemirov/actiongate/internal/userstate"
)

type stubProvider struct{}

func (stubProvider) Name() string {
	return "Example"
}

func (stubProvider) AuthorizationURL(state string) string {
	return "https://idp.example/authorize?state=" + state
}

func (stubProvider) ExchangeCode(_ context.Context, code string) (userstate.Tokens, error) {
	return userstate.Tokens{AccessToken: "T-" + code, RefreshToken: "R1", Expiry: time.Now().Add(time.Hour)}, nil
}

func (stubProvider) RefreshToken(_ context.Context, _ string) (userstate.Tokens, error) {
	return userstate.Tokens{AccessToken: "T-refreshed", Expiry: time.Now().Add(time.Hour)}, nil
}

func (stubProvider) DigestTitle() string {
	return "Your Messages"
}

func (stubProvider) FetchDigest(_ context.Context, tokens userstate.Tokens) ([]string, error) {
	return []string{"fetched with " + tokens.AccessToken}, nil
}

type inbox struct {
	mutex    sync.Mutex
	messages []messenger.TargetedMessage
}

func (box *inbox) SendTargeted(_ context.Context, message messenger.TargetedMessage) error {
	box.mutex.Lock()
	defer box.mutex.Unlock()
	box.messages = append(box.messages, message)
	return nil
}

func TestActionResumesAfterLoginOverHTTP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	recorder := metrics.NewCounterMetrics()
	machine := userstate.NewMachine(userstate.NewMemoryStore())
	notifications := &inbox{}
	provider := stubProvider{}

	router := actions.NewRouter(logger)
	router.Handle(actions.RouteMessages, actions.NewDigest(provider, notifications, logger))
	gate, err := authflow.NewGate(authflow.GateConfig{Machine: machine, Authorizer: provider, Notifier: notifications, Logger: logger, Metrics: recorder})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	refresher, err := authflow.NewRefresher(authflow.RefresherConfig{Machine: machine, Refresher: provider, Logger: logger, Metrics: recorder, Margin: time.Minute})
	if err != nil {
		t.Fatalf("refresher: %v", err)
	}
	defer refresher.Stop()
	completion, err := authflow.NewCompletion(authflow.CompletionConfig{Machine: machine, Exchanger: provider, Resumer: router, Refresher: refresher, Logger: logger, Metrics: recorder})
	if err != nil {
		t.Fatalf("completion: %v", err)
	}

	executor := &queuedExecutor{}
	engine := gin.New()
	MountRoutes(engine, Dependencies{
		AppID:         "app-1",
		WebhookSecret: testSecret,
		Actions:       gate.Require(router),
		Completion:    completion,
		Logger:        logger,
		Executor:      executor.Run,
	})

	response := httptest.NewRecorder()
	engine.ServeHTTP(response, signedWebhook(actionEnvelope(t, "app-1")))
	if response.Code != http.StatusOK {
		t.Fatalf("expected webhook ack, got %d", response.Code)
	}
	executor.Drain()

	if len(notifications.messages) != 1 || notifications.messages[0].Title != "Please log in to Example" {
		t.Fatalf("expected a login prompt, got %+v", notifications.messages)
	}
	state, _ := machine.Get(context.Background(), "u1")
	if !state.IsPending() {
		t.Fatalf("expected the action to be pending")
	}

	response = httptest.NewRecorder()
	engine.ServeHTTP(response, httptest.NewRequest(http.MethodGet, PathOAuthCallback+"?code=abc&state=u1", nil))
	if response.Code != http.StatusOK {
		t.Fatalf("expected callback page, got %d", response.Code)
	}
	executor.Drain()

	if len(notifications.messages) != 2 {
		t.Fatalf("expected the digest after login, got %+v", notifications.messages)
	}
	digest := notifications.messages[1]
	if digest.Title != "Your Messages" || digest.ConversationID != "c1" || digest.TargetDialogID != "d1" {
		t.Fatalf("unexpected digest message %+v", digest)
	}
	if !strings.Contains(digest.Text, "fetched with T-abc") {
		t.Fatalf("expected digest fetched with the new token, got %q", digest.Text)
	}
	state, _ = machine.Get(context.Background(), "u1")
	if state.IsPending() || state.Tokens == nil || state.Tokens.AccessToken != "T-abc" {
		t.Fatalf("expected tokens stored and nothing pending, got %+v", state)
	}
	if !refresher.Active("u1") {
		t.Fatalf("expected refresh loop started")
	}

	// A second action runs immediately now that the user is authenticated.
	response = httptest.NewRecorder()
	engine.ServeHTTP(response, signedWebhook(actionEnvelope(t, "app-1")))
	executor.Drain()
	if len(notifications.messages) != 3 || notifications.messages[2].Title != "Your Messages" {
		t.Fatalf("expected a direct digest, got %+v", notifications.messages)
	}
	if recorder.Count("completion.resumed") != 1 || recorder.Count("gate.authenticated") != 1 {
		t.Fatalf("unexpected metrics %+v", recorder.Snapshot())
	}
}

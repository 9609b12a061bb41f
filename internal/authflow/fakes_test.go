package authflow

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/tyemirov/actiongate/internal/events"
	"github.com/tyemirov/actiongate/internal/messenger"
	"github.com/tyemirov/actiongate/internal/metrics"
	"github.com/tyemirov/actiongate/internal/userstate"
)

type controllableClock struct {
	current time.Time
}

func (clock *controllableClock) Now() time.Time {
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.current = clock.current.Add(duration)
}

type fakeAuthorizer struct{}

func (fakeAuthorizer) Name() string {
	return "Example"
}

func (fakeAuthorizer) AuthorizationURL(state string) string {
	return "https://idp.example/authorize?state=" + url.QueryEscape(state)
}

type fakeNotifier struct {
	mutex    sync.Mutex
	messages []messenger.TargetedMessage
	err      error
}

func (notifier *fakeNotifier) SendTargeted(_ context.Context, message messenger.TargetedMessage) error {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	notifier.messages = append(notifier.messages, message)
	return notifier.err
}

func (notifier *fakeNotifier) sent() []messenger.TargetedMessage {
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	return append([]messenger.TargetedMessage(nil), notifier.messages...)
}

type recordingHandler struct {
	mutex    sync.Mutex
	requests []ActionRequest
	err      error
}

func (handler *recordingHandler) HandleAction(_ context.Context, request ActionRequest) error {
	handler.mutex.Lock()
	defer handler.mutex.Unlock()
	handler.requests = append(handler.requests, request)
	return handler.err
}

func (handler *recordingHandler) calls() []ActionRequest {
	handler.mutex.Lock()
	defer handler.mutex.Unlock()
	return append([]ActionRequest(nil), handler.requests...)
}

type fakeTokenEndpoint struct {
	mutex    sync.Mutex
	codes    map[string]userstate.Tokens
	refresh  map[string]userstate.Tokens
	refused  error
	exchange int
	refreshs int
}

func (endpoint *fakeTokenEndpoint) ExchangeCode(_ context.Context, code string) (userstate.Tokens, error) {
	endpoint.mutex.Lock()
	defer endpoint.mutex.Unlock()
	endpoint.exchange++
	tokens, ok := endpoint.codes[code]
	if !ok {
		return userstate.Tokens{}, errors.New("invalid_grant")
	}
	return tokens, nil
}

func (endpoint *fakeTokenEndpoint) RefreshToken(_ context.Context, refreshToken string) (userstate.Tokens, error) {
	endpoint.mutex.Lock()
	defer endpoint.mutex.Unlock()
	endpoint.refreshs++
	if endpoint.refused != nil {
		return userstate.Tokens{}, endpoint.refused
	}
	tokens, ok := endpoint.refresh[refreshToken]
	if !ok {
		return userstate.Tokens{}, errors.New("invalid_grant")
	}
	return tokens, nil
}

type manualTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (timer *manualTimer) Stop() bool {
	wasActive := !timer.stopped
	timer.stopped = true
	return wasActive
}

// manualScheduler records timers instead of arming them; tests fire them explicitly.
type manualScheduler struct {
	mutex  sync.Mutex
	timers []*manualTimer
}

func (scheduler *manualScheduler) Schedule(delay time.Duration, fn func()) Timer {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	timer := &manualTimer{delay: delay, fn: fn}
	scheduler.timers = append(scheduler.timers, timer)
	return timer
}

func (scheduler *manualScheduler) last(t *testing.T) *manualTimer {
	t.Helper()
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	if len(scheduler.timers) == 0 {
		t.Fatalf("expected a scheduled timer")
	}
	return scheduler.timers[len(scheduler.timers)-1]
}

func (scheduler *manualScheduler) count() int {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	return len(scheduler.timers)
}

// interleavingStore runs a hook once, right after the nth read from now, so a test
// can slip a competing write between a transaction's read and its guarded write.
// afterEachRead instead runs the hook after every one of the next n reads.
type interleavingStore struct {
	userstate.Store
	mutex     sync.Mutex
	remaining int
	repeat    int
	afterRead func()
}

func (store *interleavingStore) Read(ctx context.Context, userID string) (userstate.UserState, bool, error) {
	state, found, err := store.Store.Read(ctx, userID)
	var hook func()
	store.mutex.Lock()
	switch {
	case store.afterRead != nil && store.repeat > 0:
		hook = store.afterRead
		store.repeat--
		if store.repeat == 0 {
			store.afterRead = nil
		}
	case store.afterRead != nil:
		store.remaining--
		if store.remaining == 0 {
			hook = store.afterRead
			store.afterRead = nil
		}
	}
	store.mutex.Unlock()
	if hook != nil {
		hook()
	}
	return state, found, err
}

func (store *interleavingStore) afterNthRead(n int, hook func()) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.remaining = n
	store.repeat = 0
	store.afterRead = hook
}

func (store *interleavingStore) afterEachRead(n int, hook func()) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.remaining = 0
	store.repeat = n
	store.afterRead = hook
}

type flowHarness struct {
	store     *interleavingStore
	machine   *userstate.Machine
	clock     *controllableClock
	notifier  *fakeNotifier
	handler   *recordingHandler
	endpoint  *fakeTokenEndpoint
	scheduler *manualScheduler
	metrics   *metrics.CounterMetrics
	gate      *Gate
	refresher *Refresher
	complete  *Completion
}

func newFlowHarness(t *testing.T, margin time.Duration) *flowHarness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	harness := &flowHarness{
		store:     &interleavingStore{Store: userstate.NewMemoryStore()},
		clock:     &controllableClock{current: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)},
		notifier:  &fakeNotifier{},
		handler:   &recordingHandler{},
		endpoint:  &fakeTokenEndpoint{codes: map[string]userstate.Tokens{}, refresh: map[string]userstate.Tokens{}},
		scheduler: &manualScheduler{},
		metrics:   metrics.NewCounterMetrics(),
	}
	harness.machine = userstate.NewMachine(harness.store)

	gate, err := NewGate(GateConfig{
		Machine:    harness.machine,
		Authorizer: fakeAuthorizer{},
		Notifier:   harness.notifier,
		Logger:     logger,
		Metrics:    harness.metrics,
		Clock:      harness.clock,
	})
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	refresher, err := NewRefresher(RefresherConfig{
		Machine:   harness.machine,
		Refresher: harness.endpoint,
		Logger:    logger,
		Metrics:   harness.metrics,
		Clock:     harness.clock,
		Scheduler: harness.scheduler.Schedule,
		Margin:    margin,
	})
	if err != nil {
		t.Fatalf("new refresher: %v", err)
	}
	completion, err := NewCompletion(CompletionConfig{
		Machine:   harness.machine,
		Exchanger: harness.endpoint,
		Resumer:   harness.handler,
		Refresher: refresher,
		Logger:    logger,
		Metrics:   harness.metrics,
		Clock:     harness.clock,
	})
	if err != nil {
		t.Fatalf("new completion: %v", err)
	}
	harness.gate = gate
	harness.refresher = refresher
	harness.complete = completion
	return harness
}

func (harness *flowHarness) readState(t *testing.T, userID string) userstate.UserState {
	t.Helper()
	state, err := harness.machine.Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	return state
}

func messagesRequest(userID string, conversationID string, dialogID string) ActionRequest {
	action := events.Action{
		ActionID:       "/messages",
		ConversationID: conversationID,
		TargetDialogID: dialogID,
		TargetAppID:    "app-1",
	}
	return ActionRequest{UserID: userID, ActionType: events.RouteKey(action.ActionID), Action: action}
}

// overwrite writes state over whatever is stored, bypassing the interleaving hook.
func (harness *flowHarness) overwrite(t *testing.T, userID string, mutate func(*userstate.UserState)) {
	t.Helper()
	ctx := context.Background()
	current, _, err := harness.store.Store.Read(ctx, userID)
	if err != nil {
		t.Fatalf("read for overwrite: %v", err)
	}
	mutate(&current)
	if _, err := harness.store.Store.Write(ctx, current); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
}

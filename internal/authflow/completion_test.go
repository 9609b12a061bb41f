package authflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tyemirov/actiongate/internal/events"
	"github.com/tyemirov/actiongate/internal/userstate"
)

func suspendFor(t *testing.T, harness *flowHarness, userID string) {
	t.Helper()
	protected := harness.gate.Require(harness.handler)
	if err := protected.HandleAction(context.Background(), messagesRequest(userID, "c1", "d1")); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if !harness.readState(t, userID).IsPending() {
		t.Fatalf("expected %s to be pending", userID)
	}
}

func TestCompletionResumesPendingActionAndSchedulesRefresh(t *testing.T) {
	harness := newFlowHarness(t, time.Minute)
	suspendFor(t, harness, "u1")
	harness.endpoint.codes["abc"] = userstate.Tokens{AccessToken: "T1", RefreshToken: "R1", Expiry: harness.clock.Now().Add(time.Hour)}

	if err := harness.complete.Complete(context.Background(), "u1", "abc"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	calls := harness.handler.calls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one resumption, got %d", len(calls))
	}
	resumed := calls[0]
	if resumed.ActionType != "/messages" || resumed.Action.ConversationID != "c1" || resumed.Action.TargetDialogID != "d1" {
		t.Fatalf("unexpected resumed request %+v", resumed)
	}
	if resumed.Tokens.AccessToken != "T1" {
		t.Fatalf("expected resumed action to carry the new access token, got %q", resumed.Tokens.AccessToken)
	}

	state := harness.readState(t, "u1")
	if state.IsPending() {
		t.Fatalf("expected pending action cleared after resumption")
	}
	if state.Tokens == nil || state.Tokens.AccessToken != "T1" || state.Tokens.RefreshToken != "R1" {
		t.Fatalf("expected tokens T1/R1 kept after resumption, got %+v", state.Tokens)
	}
	if !harness.refresher.Active("u1") {
		t.Fatalf("expected a refresh timer for u1")
	}
	if delay := harness.scheduler.last(t).delay; delay != 59*time.Minute {
		t.Fatalf("expected refresh one margin before expiry, got %s", delay)
	}
	if harness.metrics.Count("completion.resumed") != 1 {
		t.Fatalf("expected completion.resumed to be counted")
	}
}

func TestCompletionSecondCallbackIsNoOp(t *testing.T) {
	harness := newFlowHarness(t, time.Minute)
	suspendFor(t, harness, "u1")
	harness.endpoint.codes["abc"] = userstate.Tokens{AccessToken: "T1", RefreshToken: "R1"}

	if err := harness.complete.Complete(context.Background(), "u1", "abc"); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	before := harness.readState(t, "u1")

	if err := harness.complete.Complete(context.Background(), "u1", "abc"); err != nil {
		t.Fatalf("expected second completion to be a silent no-op, got %v", err)
	}
	if calls := harness.handler.calls(); len(calls) != 1 {
		t.Fatalf("expected no duplicate resumption, got %d calls", len(calls))
	}
	after := harness.readState(t, "u1")
	if after.Revision != before.Revision {
		t.Fatalf("expected no write on second completion")
	}
	if harness.metrics.Count("completion.no_session") != 1 {
		t.Fatalf("expected completion.no_session to be counted once")
	}
}

func TestCompletionKeepsRefreshTokenWhenProviderOmitsIt(t *testing.T) {
	harness := newFlowHarness(t, time.Minute)
	harness.overwrite(t, "u1", func(state *userstate.UserState) {
		state.Tokens = &userstate.Tokens{AccessToken: "stale", RefreshToken: "R0", InstanceURL: "https://na1.example"}
		state.Pending = &userstate.PendingAction{ActionType: "/messages", Payload: messagesRequest("u1", "c1", "d1").Action.Raw()}
	})
	harness.endpoint.codes["abc"] = userstate.Tokens{AccessToken: "T2"}

	if err := harness.complete.Complete(context.Background(), "u1", "abc"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	state := harness.readState(t, "u1")
	if state.Tokens.AccessToken != "T2" || state.Tokens.RefreshToken != "R0" || state.Tokens.InstanceURL != "https://na1.example" {
		t.Fatalf("expected refresh token and instance url preserved, got %+v", state.Tokens)
	}
}

func TestCompletionExchangeFailureLeavesStateUntouched(t *testing.T) {
	harness := newFlowHarness(t, time.Minute)
	suspendFor(t, harness, "u1")
	before := harness.readState(t, "u1")

	err := harness.complete.Complete(context.Background(), "u1", "rejected")
	if !errors.Is(err, ErrUpstreamAuth) {
		t.Fatalf("expected ErrUpstreamAuth, got %v", err)
	}
	after := harness.readState(t, "u1")
	if after.Revision != before.Revision || !after.IsPending() {
		t.Fatalf("expected state untouched after a failed exchange")
	}
	if len(harness.handler.calls()) != 0 || harness.refresher.Active("u1") {
		t.Fatalf("expected neither resumption nor refresh after a failed exchange")
	}
}

func TestCompletionRequiresUserAndCode(t *testing.T) {
	harness := newFlowHarness(t, time.Minute)
	for _, testCase := range []struct {
		name   string
		userID string
		code   string
	}{
		{name: "missing state", userID: "", code: "abc"},
		{name: "missing code", userID: "u1", code: " "},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			err := harness.complete.Complete(context.Background(), testCase.userID, testCase.code)
			if !errors.Is(err, ErrNoAwaitingSession) {
				t.Fatalf("expected ErrNoAwaitingSession, got %v", err)
			}
		})
	}
	if harness.endpoint.exchange != 0 {
		t.Fatalf("expected no code exchange for incomplete callbacks")
	}
}

func TestCompletionMergeConflictAbortsWithoutResuming(t *testing.T) {
	harness := newFlowHarness(t, time.Minute)
	suspendFor(t, harness, "u1")
	harness.endpoint.codes["abc"] = userstate.Tokens{AccessToken: "T1", RefreshToken: "R1"}
	harness.store.afterNthRead(1, func() {
		harness.overwrite(t, "u1", func(state *userstate.UserState) {
			state.Tokens = &userstate.Tokens{AccessToken: "elsewhere"}
		})
	})

	err := harness.complete.Complete(context.Background(), "u1", "abc")
	if !errors.Is(err, userstate.ErrConflict) {
		t.Fatalf("expected conflict to be reported, got %v", err)
	}
	if len(harness.handler.calls()) != 0 {
		t.Fatalf("expected no resumption after a conflicting merge")
	}
	if state := harness.readState(t, "u1"); state.Tokens.AccessToken != "elsewhere" {
		t.Fatalf("expected competing write to stand, got %+v", state.Tokens)
	}
}

func TestCompletionLosingClaimDoesNotResume(t *testing.T) {
	harness := newFlowHarness(t, time.Minute)
	suspendFor(t, harness, "u1")
	harness.endpoint.codes["abc"] = userstate.Tokens{AccessToken: "T1", RefreshToken: "R1"}
	// Read 1 merges tokens; read 2 starts the claim, which another completion wins.
	harness.store.afterNthRead(2, func() {
		harness.overwrite(t, "u1", func(state *userstate.UserState) {
			state.Pending = nil
		})
	})

	if err := harness.complete.Complete(context.Background(), "u1", "abc"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(harness.handler.calls()) != 0 {
		t.Fatalf("expected the losing completion not to resume")
	}
	state := harness.readState(t, "u1")
	if state.IsPending() || state.Tokens.AccessToken != "T1" {
		t.Fatalf("expected tokens kept and nothing pending, got %+v", state)
	}
}

func TestCompletionConcurrentCallbacksResumeExactlyOnce(t *testing.T) {
	harness := newFlowHarness(t, time.Minute)
	suspendFor(t, harness, "u1")
	harness.endpoint.codes["abc"] = userstate.Tokens{AccessToken: "T1", RefreshToken: "R1"}

	var waitGroup sync.WaitGroup
	for range 8 {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_ = harness.complete.Complete(context.Background(), "u1", "abc")
		}()
	}
	waitGroup.Wait()

	if calls := harness.handler.calls(); len(calls) != 1 {
		t.Fatalf("expected exactly one resumption, got %d", len(calls))
	}
	if harness.readState(t, "u1").IsPending() {
		t.Fatalf("expected pending action cleared")
	}
}

func TestCompletionSkipsUnreadablePendingPayload(t *testing.T) {
	harness := newFlowHarness(t, time.Minute)
	harness.overwrite(t, "u1", func(state *userstate.UserState) {
		state.Pending = &userstate.PendingAction{ActionType: "/messages", Payload: []byte(`"not an action"`)}
	})
	harness.endpoint.codes["abc"] = userstate.Tokens{AccessToken: "T1", RefreshToken: "R1"}

	if err := harness.complete.Complete(context.Background(), "u1", "abc"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(harness.handler.calls()) != 0 {
		t.Fatalf("expected unreadable pending payload to be dropped")
	}
	if _, err := events.DecodeAction([]byte(`"not an action"`)); !errors.Is(err, events.ErrMalformedEvent) {
		t.Fatalf("expected malformed payload, got %v", err)
	}
	if harness.readState(t, "u1").IsPending() {
		t.Fatalf("expected unreadable pending action to be cleared")
	}
}

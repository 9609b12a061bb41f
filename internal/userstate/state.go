package userstate

import (
	"encoding/json"
	"time"
)

// Revision is the opaque optimistic-concurrency token a store assigns on every write.
// The zero value means the document has never been written.
type Revision string

// Tokens is the delegated credential bundle obtained from the identity provider.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	InstanceURL  string    `json:"instance_url,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Usable reports whether the bundle carries an access token that has not expired.
// A bundle without an expiry is never usable; see WithExpiry.
func (tokens *Tokens) Usable(now time.Time) bool {
	if tokens == nil || tokens.AccessToken == "" || tokens.Expiry.IsZero() {
		return false
	}
	return tokens.Expiry.After(now)
}

// WithExpiry returns the bundle with Expiry set to now+lifetime when the provider issued none.
// Salesforce never reports a lifetime, so stored bundles always carry an assumed one.
func (tokens Tokens) WithExpiry(now time.Time, lifetime time.Duration) Tokens {
	if tokens.Expiry.IsZero() {
		tokens.Expiry = now.Add(lifetime)
	}
	return tokens
}

// PendingAction is an action suspended while the user completes authorization.
// Payload is the action exactly as it was received and is not interpreted here.
type PendingAction struct {
	ActionType string          `json:"action_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// UserState is the per-user document. A nil Pending is the idle state.
type UserState struct {
	UserID   string
	Revision Revision
	Tokens   *Tokens
	Pending  *PendingAction
}

// IsPending reports whether an action is waiting for an authorization round-trip.
func (state UserState) IsPending() bool {
	return state.Pending != nil
}

// MergeTokens overlays a freshly issued bundle on the stored one.
// Providers commonly omit the refresh token (and Salesforce the instance URL) on refresh,
// so those are carried over from the previous bundle when missing.
func MergeTokens(previous *Tokens, fresh Tokens) Tokens {
	merged := fresh
	if previous == nil {
		return merged
	}
	if merged.RefreshToken == "" {
		merged.RefreshToken = previous.RefreshToken
	}
	if merged.InstanceURL == "" {
		merged.InstanceURL = previous.InstanceURL
	}
	return merged
}

type document struct {
	Tokens  *Tokens        `json:"tokens"`
	Pending *PendingAction `json:"pending_action"`
}

func encodeDocument(state UserState) ([]byte, error) {
	return json.Marshal(document{Tokens: state.Tokens, Pending: state.Pending})
}

func decodeDocument(userID string, revision Revision, data []byte) (UserState, error) {
	var decoded document
	if err := json.Unmarshal(data, &decoded); err != nil {
		return UserState{}, err
	}
	return UserState{
		UserID:   userID,
		Revision: revision,
		Tokens:   decoded.Tokens,
		Pending:  decoded.Pending,
	}, nil
}

func cloneState(state UserState) UserState {
	clone := state
	if state.Tokens != nil {
		tokens := *state.Tokens
		clone.Tokens = &tokens
	}
	if state.Pending != nil {
		pending := PendingAction{ActionType: state.Pending.ActionType}
		if state.Pending.Payload != nil {
			pending.Payload = append(json.RawMessage(nil), state.Pending.Payload...)
		}
		clone.Pending = &pending
	}
	return clone
}

// Package events decodes Watson Workspace webhook envelopes and routes
// "action selected" annotations issued by this application.
package events

import (
	"encoding/json"
	"errors"
	"strings"
)

const (
	// TypeAnnotationAdded is the envelope type carrying message annotations.
	TypeAnnotationAdded = "message-annotation-added"
	// TypeVerification is the envelope type of the webhook challenge.
	TypeVerification = "verification"
	// AnnotationActionSelected marks a user selecting an action the app offered.
	AnnotationActionSelected = "actionSelected"
)

var (
	// ErrNotActionSelected indicates the envelope is some other event kind.
	ErrNotActionSelected = errors.New("events.not_action_selected")
	// ErrForeignApplication indicates the action targets a different application.
	ErrForeignApplication = errors.New("events.foreign_application")
	// ErrMalformedEvent indicates the envelope does not have the expected shape.
	ErrMalformedEvent = errors.New("events.malformed")
)

// Envelope is the webhook body as delivered by the platform.
type Envelope struct {
	Type              string `json:"type"`
	AnnotationType    string `json:"annotationType,omitempty"`
	AnnotationPayload string `json:"annotationPayload,omitempty"`
	UserID            string `json:"userId,omitempty"`
	SpaceID           string `json:"spaceId,omitempty"`
	MessageID         string `json:"messageId,omitempty"`
	Challenge         string `json:"challenge,omitempty"`
}

// Action is the decoded annotation payload of an action selection.
type Action struct {
	ActionID       string `json:"actionId"`
	ConversationID string `json:"conversationId"`
	TargetDialogID string `json:"targetDialogId"`
	TargetAppID    string `json:"targetAppId"`

	raw json.RawMessage
}

// Raw returns the payload exactly as received, or a re-encoding when the action was built in code.
func (action Action) Raw() json.RawMessage {
	if len(action.raw) > 0 {
		return action.raw
	}
	encoded, err := json.Marshal(action)
	if err != nil {
		return nil
	}
	return encoded
}

// DecodeAction rebuilds an Action from a stored raw payload.
func DecodeAction(raw json.RawMessage) (Action, error) {
	var action Action
	if err := json.Unmarshal(raw, &action); err != nil {
		return Action{}, errors.Join(ErrMalformedEvent, err)
	}
	action.raw = append(json.RawMessage(nil), raw...)
	return action, nil
}

// RouteKey returns the first space-delimited token of an action id, e.g. "/messages".
func RouteKey(actionID string) string {
	fields := strings.Fields(actionID)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Selection is a normalized action selection ready for dispatch.
type Selection struct {
	ActionID string
	Action   Action
	UserID   string
}

// ParseActionSelected extracts the selection from envelope when it is an action this
// application issued.
func ParseActionSelected(envelope Envelope, appID string) (Selection, error) {
	if envelope.Type != TypeAnnotationAdded || envelope.AnnotationType != AnnotationActionSelected {
		return Selection{}, ErrNotActionSelected
	}
	if envelope.AnnotationPayload == "" || envelope.UserID == "" {
		return Selection{}, ErrMalformedEvent
	}
	action, err := DecodeAction(json.RawMessage(envelope.AnnotationPayload))
	if err != nil {
		return Selection{}, err
	}
	if action.TargetAppID == "" || action.TargetAppID != appID {
		return Selection{}, ErrForeignApplication
	}
	if RouteKey(action.ActionID) == "" {
		return Selection{}, ErrMalformedEvent
	}
	return Selection{
		ActionID: action.ActionID,
		Action:   action,
		UserID:   envelope.UserID,
	}, nil
}

// OnActionSelected invokes handler for action selections targeting appID and reports whether
// it did. Anything else is ignored.
func OnActionSelected(envelope Envelope, appID string, handler func(actionID string, action Action, userID string)) bool {
	selection, err := ParseActionSelected(envelope, appID)
	if err != nil {
		return false
	}
	handler(selection.ActionID, selection.Action, selection.UserID)
	return true
}

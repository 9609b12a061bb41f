package actions

import (
	"context"
	"fmt"
	"html"
	"strings"

	"go.uber.org/zap"

	"github.com/tyemirov/actiongate/internal/authflow"
	"github.com/tyemirov/actiongate/internal/messenger"
	"github.com/tyemirov/actiongate/internal/userstate"
)

// RouteMessages is the route key of the digest action.
const RouteMessages = "/messages"

// DigestSource fetches short summaries of the user's recent items.
type DigestSource interface {
	DigestTitle() string
	FetchDigest(ctx context.Context, tokens userstate.Tokens) ([]string, error)
}

// Digest answers the /messages action with the user's recent items.
type Digest struct {
	source   DigestSource
	notifier authflow.Notifier
	logger   *zap.Logger
}

// NewDigest builds the /messages handler.
func NewDigest(source DigestSource, notifier authflow.Notifier, logger *zap.Logger) *Digest {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Digest{source: source, notifier: notifier, logger: logger}
}

// HandleAction fetches the digest and sends it back to the dialog the action came from.
func (digest *Digest) HandleAction(ctx context.Context, request authflow.ActionRequest) error {
	items, err := digest.source.FetchDigest(ctx, request.Tokens)
	if err != nil {
		digest.logger.Warn("digest fetch failed", zap.String("code", "actions.digest_failed"), zap.String("user_id", request.UserID), zap.Error(err))
		return err
	}
	message := messenger.TargetedMessage{
		ConversationID: request.Action.ConversationID,
		UserID:         request.UserID,
		TargetDialogID: request.Action.TargetDialogID,
		Title:          digest.source.DigestTitle(),
		Text:           FormatDigest(items),
	}
	if err := digest.notifier.SendTargeted(ctx, message); err != nil {
		return fmt.Errorf("digest delivery: %w", err)
	}
	digest.logger.Info("digest sent", zap.String("code", "actions.digest_sent"), zap.String("user_id", request.UserID), zap.Int("items", len(items)))
	return nil
}

// FormatDigest renders items as "1. item" lines with HTML entities decoded.
func FormatDigest(items []string) string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, "1. "+item)
	}
	return html.UnescapeString(strings.Join(lines, "\n"))
}

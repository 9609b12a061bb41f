// Package webhook guards the inbound webhook: it checks the platform's request
// signature and answers the verification challenge before any dispatch happens.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body, both inbound and on challenge replies.
const SignatureHeader = "X-OUTBOUND-TOKEN"

// ContextKeyBody is where Verify stores the verified raw body.
const ContextKeyBody = "webhook_body"

const maxBodyBytes = 1 << 20

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret []byte, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify rejects requests whose signature does not match and answers challenge requests.
// Verified bodies are stored under ContextKeyBody and re-attached to the request.
func Verify(logger *zap.Logger, secret []byte) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		body, readErr := io.ReadAll(io.LimitReader(contextGin.Request.Body, maxBodyBytes))
		if readErr != nil {
			logger.Warn("webhook body unreadable",
				zap.String("code", "webhook.body_unreadable"),
				zap.Error(readErr))
			contextGin.AbortWithStatus(http.StatusBadRequest)
			return
		}
		provided := contextGin.GetHeader(SignatureHeader)
		if provided == "" || !hmac.Equal([]byte(provided), []byte(Sign(secret, body))) {
			logger.Warn("webhook signature mismatch",
				zap.String("code", "webhook.invalid_signature"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		var probe struct {
			Type      string `json:"type"`
			Challenge string `json:"challenge"`
		}
		if json.Unmarshal(body, &probe) == nil && probe.Type == "verification" {
			answerChallenge(contextGin, logger, secret, probe.Challenge)
			return
		}

		contextGin.Set(ContextKeyBody, body)
		contextGin.Request.Body = io.NopCloser(bytes.NewReader(body))
		contextGin.Next()
	}
}

func answerChallenge(contextGin *gin.Context, logger *zap.Logger, secret []byte, challenge string) {
	response, encodeErr := json.Marshal(gin.H{"response": challenge})
	if encodeErr != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	logger.Info("answered webhook challenge", zap.String("code", "webhook.challenge"))
	contextGin.Header(SignatureHeader, Sign(secret, response))
	contextGin.Data(http.StatusOK, "application/json; charset=utf-8", response)
	contextGin.Abort()
}

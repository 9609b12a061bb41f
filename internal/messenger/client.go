// Package messenger sends targeted messages through the Watson Workspace GraphQL API.
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultBaseURL is the Watson Workspace API root.
const DefaultBaseURL = "https://api.watsonwork.ibm.com"

const createTargetedMessageMutation = `mutation createTargetedMessage($input: CreateTargetedMessageInput!) {
  createTargetedMessage(input: $input) {
    successful
  }
}`

var (
	// ErrDeliveryFailed indicates the platform did not accept a message.
	ErrDeliveryFailed = errors.New("messenger.delivery_failed")
	// ErrInvalidConfig indicates the client was built without credentials or an endpoint.
	ErrInvalidConfig = errors.New("messenger.invalid_config")
	// ErrCircuitOpen is returned while the breaker rejects calls to a failing platform.
	ErrCircuitOpen = gobreaker.ErrOpenState
)

// TargetedMessage is a message visible only to one user inside a conversation dialog.
type TargetedMessage struct {
	ConversationID string
	UserID         string
	TargetDialogID string
	Title          string
	Text           string
}

// Config describes how to reach the platform.
type Config struct {
	BaseURL          string
	AppID            string
	AppSecret        string
	// HTTPClient carries both token and API calls; http.DefaultClient when nil.
	HTTPClient       *http.Client
	Logger           *zap.Logger
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout      time.Duration
}

// Client is a Watson Workspace client authenticated as the application.
type Client struct {
	endpoint   string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[struct{}]
	logger     *zap.Logger
}

// NewClient builds a client whose HTTP transport obtains and caches an app token
// with the client-credentials grant.
func NewClient(configuration Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(configuration.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if strings.TrimSpace(configuration.AppID) == "" || strings.TrimSpace(configuration.AppSecret) == "" {
		return nil, fmt.Errorf("%w: app id and secret are required", ErrInvalidConfig)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := configuration.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	openTimeout := configuration.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}

	credentials := clientcredentials.Config{
		ClientID:     configuration.AppID,
		ClientSecret: configuration.AppSecret,
		TokenURL:     baseURL + "/oauth/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokenContext := context.Background()
	if configuration.HTTPClient != nil {
		tokenContext = context.WithValue(tokenContext, oauth2.HTTPClient, configuration.HTTPClient)
	}

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "watsonwork",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("code", "messenger.breaker"),
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		endpoint:   baseURL + "/graphql",
		httpClient: credentials.Client(tokenContext),
		breaker:    breaker,
		logger:     logger,
	}, nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data struct {
		CreateTargetedMessage *struct {
			Successful bool `json:"successful"`
		} `json:"createTargetedMessage"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// SendTargeted posts message to the conversation as a generic annotation.
func (client *Client) SendTargeted(ctx context.Context, message TargetedMessage) error {
	payload, err := json.Marshal(graphQLRequest{
		Query: createTargetedMessageMutation,
		Variables: map[string]any{
			"input": map[string]any{
				"conversationId": message.ConversationID,
				"targetUserId":   message.UserID,
				"targetDialogId": message.TargetDialogID,
				"annotations": []map[string]any{{
					"genericAnnotation": map[string]any{
						"title":   message.Title,
						"text":    message.Text,
						"buttons": []any{},
					},
				}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("messenger.encode: %w", err)
	}

	_, err = client.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, client.post(ctx, payload)
	})
	if err != nil {
		client.logger.Debug("targeted message failed",
			zap.String("code", "messenger.send_failed"),
			zap.String("user_id", message.UserID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (client *Client) post(ctx context.Context, payload []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("messenger.request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("x-graphql-view", "PUBLIC, BETA")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	if response.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: status %d: %s", ErrDeliveryFailed, response.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded graphQLResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	if len(decoded.Errors) > 0 {
		return fmt.Errorf("%w: %s", ErrDeliveryFailed, decoded.Errors[0].Message)
	}
	if decoded.Data.CreateTargetedMessage == nil || !decoded.Data.CreateTargetedMessage.Successful {
		return fmt.Errorf("%w: message not accepted", ErrDeliveryFailed)
	}
	return nil
}

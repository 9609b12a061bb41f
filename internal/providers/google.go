package providers

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/tyemirov/actiongate/internal/userstate"
)

const googleDigestSize = 5

// Google reads the user's most recent Gmail threads.
type Google struct {
	oauthFlow
	apiBaseURL string
}

// NewGoogle builds the Gmail integration. Offline access with forced consent makes
// Google issue a refresh token on every authorization.
func NewGoogle(configuration Config) *Google {
	return &Google{
		oauthFlow: oauthFlow{
			config: oauth2.Config{
				ClientID:     configuration.ClientID,
				ClientSecret: configuration.ClientSecret,
				RedirectURL:  configuration.RedirectURL,
				Endpoint:     endpointOr(configuration.Endpoint, google.Endpoint),
				Scopes:       []string{gmail.GmailReadonlyScope},
			},
			httpClient: configuration.HTTPClient,
			authParams: []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.ApprovalForce},
		},
		apiBaseURL: strings.TrimSpace(configuration.APIBaseURL),
	}
}

// Name is shown to users in the login prompt.
func (provider *Google) Name() string {
	return "Google"
}

// DigestTitle titles the digest message.
func (provider *Google) DigestTitle() string {
	return "Your Messages"
}

// FetchDigest returns the snippets of the most recent threads in the user's mailbox.
func (provider *Google) FetchDigest(ctx context.Context, tokens userstate.Tokens) ([]string, error) {
	httpClient, err := provider.apiClient(ctx, tokens)
	if err != nil {
		return nil, err
	}
	options := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if provider.apiBaseURL != "" {
		options = append(options, option.WithEndpoint(provider.apiBaseURL))
	}
	service, err := gmail.NewService(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("providers.google.service: %w", err)
	}
	response, err := service.Users.Threads.List("me").MaxResults(googleDigestSize).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("providers.google.threads: %w", err)
	}
	snippets := make([]string, 0, len(response.Threads))
	for _, thread := range response.Threads {
		snippets = append(snippets, thread.Snippet)
	}
	return snippets, nil
}

// Package providers integrates the identity providers whose APIs actions call on a user's behalf.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/tyemirov/actiongate/internal/userstate"
)

const (
	// NameGoogle selects the Gmail integration.
	NameGoogle = "google"
	// NameSalesforce selects the Salesforce integration.
	NameSalesforce = "salesforce"
)

var (
	// ErrTokenRejected indicates the token endpoint refused a code or refresh token.
	ErrTokenRejected = errors.New("providers.token_rejected")
	// ErrUnknownProvider indicates a provider name with no integration.
	ErrUnknownProvider = errors.New("providers.unknown")
	// ErrMissingAccessToken indicates a fetch was attempted without credentials.
	ErrMissingAccessToken = errors.New("providers.missing_access_token")
)

// Provider is one delegated-credential integration.
type Provider interface {
	Name() string
	AuthorizationURL(state string) string
	ExchangeCode(ctx context.Context, code string) (userstate.Tokens, error)
	RefreshToken(ctx context.Context, refreshToken string) (userstate.Tokens, error)
	DigestTitle() string
	FetchDigest(ctx context.Context, tokens userstate.Tokens) ([]string, error)
}

// Config carries OAuth client registration and optional endpoint overrides.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Endpoint replaces the provider's OAuth endpoint when its URLs are set.
	Endpoint     oauth2.Endpoint
	// APIBaseURL replaces the provider's API root.
	APIBaseURL   string
	// HTTPClient is used for token and API calls; http.DefaultClient when nil.
	HTTPClient   *http.Client
}

// New returns the integration registered under name.
func New(name string, configuration Config) (Provider, error) {
	if strings.TrimSpace(configuration.ClientID) == "" || strings.TrimSpace(configuration.RedirectURL) == "" {
		return nil, fmt.Errorf("providers.invalid_config: client id and redirect url are required")
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameGoogle:
		return NewGoogle(configuration), nil
	case NameSalesforce:
		return NewSalesforce(configuration), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
}

func withHTTPClient(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

func endpointOr(override oauth2.Endpoint, fallback oauth2.Endpoint) oauth2.Endpoint {
	if override.AuthURL == "" && override.TokenURL == "" {
		return fallback
	}
	return override
}

func tokensFromOAuth(token *oauth2.Token) userstate.Tokens {
	tokens := userstate.Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry.UTC(),
	}
	if instanceURL, ok := token.Extra("instance_url").(string); ok {
		tokens.InstanceURL = instanceURL
	}
	return tokens
}

func classifyTokenError(operation string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		reason := retrieveErr.ErrorCode
		if reason == "" && retrieveErr.Response != nil {
			reason = retrieveErr.Response.Status
		}
		return fmt.Errorf("%w: %s: %s", ErrTokenRejected, operation, reason)
	}
	return fmt.Errorf("providers.%s: %w", operation, err)
}

type oauthFlow struct {
	config     oauth2.Config
	httpClient *http.Client
	authParams []oauth2.AuthCodeOption
}

func (flow oauthFlow) AuthorizationURL(state string) string {
	return flow.config.AuthCodeURL(state, flow.authParams...)
}

func (flow oauthFlow) ExchangeCode(ctx context.Context, code string) (userstate.Tokens, error) {
	token, err := flow.config.Exchange(withHTTPClient(ctx, flow.httpClient), code)
	if err != nil {
		return userstate.Tokens{}, classifyTokenError("exchange", err)
	}
	return tokensFromOAuth(token), nil
}

func (flow oauthFlow) RefreshToken(ctx context.Context, refreshToken string) (userstate.Tokens, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return userstate.Tokens{}, fmt.Errorf("%w: refresh: empty refresh token", ErrTokenRejected)
	}
	source := flow.config.TokenSource(withHTTPClient(ctx, flow.httpClient), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return userstate.Tokens{}, classifyTokenError("refresh", err)
	}
	return tokensFromOAuth(token), nil
}

// apiClient returns an HTTP client that authorizes requests with the user's access token.
func (flow oauthFlow) apiClient(ctx context.Context, tokens userstate.Tokens) (*http.Client, error) {
	if strings.TrimSpace(tokens.AccessToken) == "" {
		return nil, ErrMissingAccessToken
	}
	source := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: tokens.AccessToken,
		TokenType:   tokens.TokenType,
	})
	return oauth2.NewClient(withHTTPClient(ctx, flow.httpClient), source), nil
}

// Package config holds the validated server configuration.
package config

import "time"

// ServerConfig configures the webhook endpoint, the identity provider and the refresh loop.
type ServerConfig struct {
	ListenAddr    string
	AppID         string
	AppSecret     string
	WebhookSecret []byte
	DatabaseURL   string

	Provider          string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthRedirectURL  string

	RefreshMargin         time.Duration
	RefreshInterval       time.Duration
	FallbackTokenLifetime time.Duration
	ActionTimeout         time.Duration

	WatsonWorkBaseURL string
}

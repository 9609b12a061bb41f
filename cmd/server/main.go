package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tyemirov/actiongate/internal/actions"
	"github.com/tyemirov/actiongate/internal/authflow"
	"github.com/tyemirov/actiongate/internal/config"
	"github.com/tyemirov/actiongate/internal/messenger"
	"github.com/tyemirov/actiongate/internal/metrics"
	"github.com/tyemirov/actiongate/internal/providers"
	"github.com/tyemirov/actiongate/internal/userstate"
	"github.com/tyemirov/actiongate/internal/web"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildProvider = func(serverConfig config.ServerConfig) (providers.Provider, error) {
	return providers.New(serverConfig.Provider, providers.Config{
		ClientID:     serverConfig.OAuthClientID,
		ClientSecret: serverConfig.OAuthClientSecret,
		RedirectURL:  serverConfig.OAuthRedirectURL,
	})
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "actiongate",
		Short:   "Webhook service that runs Watson Workspace actions with the user's delegated OAuth credential",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("app_id", "", "Watson Workspace application id")
	rootCmd.Flags().String("app_secret", "", "Watson Workspace application secret")
	rootCmd.Flags().String("webhook_secret", "", "Webhook secret used to sign and verify webhook bodies")
	rootCmd.Flags().String("database_url", "", "User state store URL (sqlite://, postgres://, redis://; leave empty for in-memory store)")
	rootCmd.Flags().String("provider", providers.NameGoogle, "Identity provider (google or salesforce)")
	rootCmd.Flags().String("oauth_client_id", "", "OAuth client id registered with the provider")
	rootCmd.Flags().String("oauth_client_secret", "", "OAuth client secret registered with the provider")
	rootCmd.Flags().String("oauth_redirect_url", "", "Public URL of /oauth2callback")
	rootCmd.Flags().Duration("refresh_margin", time.Minute, "Refresh tokens this long before they expire")
	rootCmd.Flags().Duration("refresh_interval", 0, "Fixed refresh interval overriding the expiry-based delay (0 to compute)")
	rootCmd.Flags().Duration("fallback_token_lifetime", time.Hour, "Lifetime assumed for tokens issued without an expiry")
	rootCmd.Flags().Duration("action_timeout", 30*time.Second, "Timeout for each background action or completion")
	rootCmd.Flags().String("watsonwork_base_url", messenger.DefaultBaseURL, "Watson Workspace API root")

	for _, key := range []string{
		"listen_addr", "app_id", "app_secret", "webhook_secret", "database_url",
		"provider", "oauth_client_id", "oauth_client_secret", "oauth_redirect_url",
		"refresh_margin", "refresh_interval", "fallback_token_lifetime", "action_timeout",
		"watsonwork_base_url",
	} {
		_ = viper.BindPFlag(key, rootCmd.Flags().Lookup(key))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingAppID            = "config.missing_app_id"
	configCodeMissingAppSecret        = "config.missing_app_secret"
	configCodeMissingWebhookSecret    = "config.missing_webhook_secret"
	configCodeMissingOAuthClientID    = "config.missing_oauth_client_id"
	configCodeMissingRedirectURL      = "config.missing_oauth_redirect_url"
	configCodeUnknownProvider         = "config.unknown_provider"
	configCodeInvalidRefreshMargin    = "config.invalid_refresh_margin"
	configCodeInvalidRefreshInterval  = "config.invalid_refresh_interval"
	configCodeInvalidFallbackLifetime = "config.invalid_fallback_token_lifetime"
	configCodeInvalidActionTimeout    = "config.invalid_action_timeout"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeProviderInit            = "config.provider_init"
	configCodeMessengerInit           = "config.messenger_init"
	configCodeStoreInit               = "config.store_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func requiredString(key string, code string) (string, error) {
	value := strings.TrimSpace(viper.GetString(key))
	if value == "" {
		return "", configError(code, key+" must be provided")
	}
	return value, nil
}

func LoadServerConfig() (config.ServerConfig, error) {
	appID, err := requiredString("app_id", configCodeMissingAppID)
	if err != nil {
		return config.ServerConfig{}, err
	}
	appSecret, err := requiredString("app_secret", configCodeMissingAppSecret)
	if err != nil {
		return config.ServerConfig{}, err
	}
	webhookSecret, err := requiredString("webhook_secret", configCodeMissingWebhookSecret)
	if err != nil {
		return config.ServerConfig{}, err
	}

	provider := strings.ToLower(strings.TrimSpace(viper.GetString("provider")))
	if provider == "" {
		provider = providers.NameGoogle
	}
	if provider != providers.NameGoogle && provider != providers.NameSalesforce {
		return config.ServerConfig{}, configError(configCodeUnknownProvider, "provider must be google or salesforce")
	}
	oauthClientID, err := requiredString("oauth_client_id", configCodeMissingOAuthClientID)
	if err != nil {
		return config.ServerConfig{}, err
	}
	redirectURL, err := requiredString("oauth_redirect_url", configCodeMissingRedirectURL)
	if err != nil {
		return config.ServerConfig{}, err
	}

	refreshMargin := time.Minute
	if viper.IsSet("refresh_margin") {
		refreshMargin = viper.GetDuration("refresh_margin")
	}
	if refreshMargin < 0 {
		return config.ServerConfig{}, configError(configCodeInvalidRefreshMargin, "refresh_margin must not be negative")
	}
	refreshInterval := viper.GetDuration("refresh_interval")
	if refreshInterval < 0 {
		return config.ServerConfig{}, configError(configCodeInvalidRefreshInterval, "refresh_interval must not be negative")
	}
	fallbackLifetime := time.Hour
	if viper.IsSet("fallback_token_lifetime") {
		fallbackLifetime = viper.GetDuration("fallback_token_lifetime")
	}
	if fallbackLifetime <= 0 {
		return config.ServerConfig{}, configError(configCodeInvalidFallbackLifetime, "fallback_token_lifetime must be greater than zero")
	}
	actionTimeout := 30 * time.Second
	if viper.IsSet("action_timeout") {
		actionTimeout = viper.GetDuration("action_timeout")
	}
	if actionTimeout <= 0 {
		return config.ServerConfig{}, configError(configCodeInvalidActionTimeout, "action_timeout must be greater than zero")
	}

	listenAddr := viper.GetString("listen_addr")
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	baseURL := viper.GetString("watsonwork_base_url")
	if baseURL == "" {
		baseURL = messenger.DefaultBaseURL
	}

	return config.ServerConfig{
		ListenAddr:            listenAddr,
		AppID:                 appID,
		AppSecret:             appSecret,
		WebhookSecret:         []byte(webhookSecret),
		DatabaseURL:           viper.GetString("database_url"),
		Provider:              provider,
		OAuthClientID:         oauthClientID,
		OAuthClientSecret:     viper.GetString("oauth_client_secret"),
		OAuthRedirectURL:      redirectURL,
		RefreshMargin:         refreshMargin,
		RefreshInterval:       refreshInterval,
		FallbackTokenLifetime: fallbackLifetime,
		ActionTimeout:         actionTimeout,
		WatsonWorkBaseURL:     baseURL,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(config.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	signalCtx, stopSignals := signal.NotifyContext(commandContext, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	store, storeCloser, storeLabel, storeErr := userstate.Open(signalCtx, serverConfig.DatabaseURL)
	if storeErr != nil {
		return fmt.Errorf("%s: %w", configCodeStoreInit, storeErr)
	}
	if storeCloser != nil {
		defer func() { _ = storeCloser.Close() }()
	}
	logger.Info("using user state store", zap.String("driver", storeLabel))

	provider, providerErr := buildProvider(serverConfig)
	if providerErr != nil {
		return fmt.Errorf("%s: %w", configCodeProviderInit, providerErr)
	}
	notifier, notifierErr := messenger.NewClient(messenger.Config{
		BaseURL:   serverConfig.WatsonWorkBaseURL,
		AppID:     serverConfig.AppID,
		AppSecret: serverConfig.AppSecret,
		Logger:    logger,
	})
	if notifierErr != nil {
		return fmt.Errorf("%s: %w", configCodeMessengerInit, notifierErr)
	}

	metricsRecorder := metrics.NewPrometheusMetrics()
	machine := userstate.NewMachine(store)
	clock := authflow.NewSystemClock()

	actionRouter := actions.NewRouter(logger)
	actionRouter.Handle(actions.RouteMessages, actions.NewDigest(provider, notifier, logger))

	gate, gateErr := authflow.NewGate(authflow.GateConfig{
		Machine:    machine,
		Authorizer: provider,
		Notifier:   notifier,
		Logger:     logger,
		Metrics:    metricsRecorder,
		Clock:      clock,
	})
	if gateErr != nil {
		return gateErr
	}
	refresher, refresherErr := authflow.NewRefresher(authflow.RefresherConfig{
		Machine:          machine,
		Refresher:        provider,
		Logger:           logger,
		Metrics:          metricsRecorder,
		Clock:            clock,
		Margin:           serverConfig.RefreshMargin,
		Interval:         serverConfig.RefreshInterval,
		FallbackLifetime: serverConfig.FallbackTokenLifetime,
		Timeout:          serverConfig.ActionTimeout,
	})
	if refresherErr != nil {
		return refresherErr
	}
	completion, completionErr := authflow.NewCompletion(authflow.CompletionConfig{
		Machine:          machine,
		Exchanger:        provider,
		Resumer:          actionRouter,
		Refresher:        refresher,
		Logger:           logger,
		Metrics:          metricsRecorder,
		Clock:            clock,
		FallbackLifetime: serverConfig.FallbackTokenLifetime,
	})
	if completionErr != nil {
		return completionErr
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestLogger(logger))
	web.MountRoutes(router, web.Dependencies{
		AppID:         serverConfig.AppID,
		WebhookSecret: serverConfig.WebhookSecret,
		Actions:       gate.Require(actionRouter),
		Completion:    completion,
		Metrics:       metricsRecorder.Handler(),
		Logger:        logger,
		TaskTimeout:   serverConfig.ActionTimeout,
		BaseContext:   signalCtx,
	})

	server := &http.Server{
		Addr:              serverConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverCtx, cancelServer := context.WithCancel(signalCtx)
	defer cancelServer()
	group, groupCtx := errgroup.WithContext(serverCtx)

	group.Go(func() error {
		defer cancelServer()
		logger.Info("listening", zap.String("addr", serverConfig.ListenAddr), zap.String("provider", provider.Name()))
		if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		refresher.Stop()
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
			return err
		}
		return nil
	})

	return group.Wait()
}

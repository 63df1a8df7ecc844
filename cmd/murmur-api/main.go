package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/murmur/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/config"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/database"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/docstore"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/engagement"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/schema"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/server"
	"github.com/MarcoPoloResearchLab/murmur/backend/internal/users"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "murmur-api",
		Short: "Murmur social backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("store-backend", defaults.GetString("store.backend"), "Document store backend (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("postgres-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID")
	cmd.PersistentFlags().String("google-jwks-url", defaults.GetString("google.jwks_url"), "Google JWKS URL")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().Bool("notify-on-follow", defaults.GetBool("sync.notify_on_follow"), "Record a notification when a user gains a follower")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "store.backend", "store-backend")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "postgres.dsn", "postgres-dsn")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "google.jwks_url", "google-jwks-url")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "sync.notify_on_follow", "notify-on-follow")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, level, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if viper.ConfigFileUsed() != "" {
		viper.OnConfigChange(func(event fsnotify.Event) {
			next := logging.ParseLevel(viper.GetString("log.level"))
			if next != level.Level() {
				level.SetLevel(next)
				logger.Info("log level changed", zap.String("level", next.String()), zap.String("file", event.Name))
			}
		})
		viper.WatchConfig()
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	googleVerifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
		Audience:       appConfig.GoogleClientID,
		JWKSURL:        appConfig.GoogleJWKSURL,
		AllowedIssuers: []string{"https://accounts.google.com", "accounts.google.com"},
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	var sessionValidator server.SessionValidator
	if appConfig.SessionCookiesEnabled() {
		validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.TAuthSigningKey),
			Issuer:        appConfig.TAuthIssuer,
			CookieName:    appConfig.TAuthCookieName,
		})
		if err != nil {
			return err
		}
		sessionValidator = validator
	}

	userService, err := users.NewService(users.ServiceConfig{
		Store:  store,
		Clock:  time.Now,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	notificationService, err := notifications.NewService(notifications.ServiceConfig{
		Store:     store,
		Profiles:  userService,
		ListLimit: appConfig.NotificationLimit,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		GoogleVerifier:   googleVerifier,
		TokenManager:     tokenManager,
		SessionValidator: sessionValidator,
		Store:            store,
		Users:            userService,
		Notifications:    notificationService,
		Synchronizer: engagement.Config{
			RemoteTimeout:       appConfig.RemoteTimeout,
			FollowRetryAttempts: appConfig.FollowRetryAttempts,
			FollowRetryBackoff:  appConfig.FollowRetryBackoff,
			NotifyOnFollow:      appConfig.NotifyOnFollow,
		},
		SessionIdleTTL: appConfig.SessionIdleTTL,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store_backend", appConfig.StoreBackend),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// openStore opens the configured document store and returns a function releasing it.
func openStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (docstore.Store, func(), error) {
	registry, err := schema.NewRegistry()
	if err != nil {
		return nil, nil, err
	}
	storeConfig := docstore.Config{
		Validator:    registry,
		UniqueFields: []docstore.UniqueField{{Collection: users.CollectionUsers, Field: users.FieldUsernameKey}},
		Logger:       logger,
	}

	switch appConfig.StoreBackend {
	case config.StoreBackendPostgres:
		pool, err := database.OpenPostgres(ctx, appConfig.PostgresDSN, database.PostgresOptions{
			MaxConns:        appConfig.PostgresMaxConns,
			MaxConnIdleTime: appConfig.PostgresConnIdleTime,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		store, err := docstore.NewPostgresStore(ctx, pool, storeConfig)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, func() {
			_ = store.Close()
			pool.Close()
		}, nil
	case config.StoreBackendSQLite:
		db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		store, err := docstore.NewSQLStore(db, storeConfig)
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, err
		}
		return store, func() {
			_ = store.Close()
			_ = sqlDB.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", appConfig.StoreBackend)
	}
}

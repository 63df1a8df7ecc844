package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "MURMUR"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultStoreBackend        = StoreBackendSQLite
	defaultDatabasePath        = "murmur.db"
	defaultPostgresMaxConns    = 8
	defaultPostgresIdleTime    = 5 * time.Minute
	defaultLogLevel            = "info"
	defaultCookieName          = "app_session"
	defaultTokenIssuer         = "murmur-auth"
	defaultTokenAudience       = "murmur-api"
	defaultTokenTTLMinutes     = 60
	defaultGoogleJWKSURL       = "https://www.googleapis.com/oauth2/v3/certs"
	defaultRemoteTimeout       = 10 * time.Second
	defaultFollowRetryAttempts = 3
	defaultFollowRetryBackoff  = 200 * time.Millisecond
	defaultSessionIdleTTL      = 30 * time.Minute
	defaultNotificationLimit   = 100
)

// Supported document store backends.
const (
	StoreBackendSQLite   = "sqlite"
	StoreBackendPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string

	StoreBackend         string
	DatabasePath         string
	PostgresDSN          string
	PostgresMaxConns     int32
	PostgresConnIdleTime time.Duration

	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration

	GoogleClientID string
	GoogleJWKSURL  string

	TAuthSigningKey string
	TAuthIssuer     string
	TAuthCookieName string

	RemoteTimeout       time.Duration
	FollowRetryAttempts int
	FollowRetryBackoff  time.Duration
	NotifyOnFollow      bool
	SessionIdleTTL      time.Duration
	NotificationLimit   int

	AllowedOrigins []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("store.backend", defaultStoreBackend)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("postgres.max_conns", defaultPostgresMaxConns)
	configViper.SetDefault("postgres.max_conn_idle_time", defaultPostgresIdleTime)
	configViper.SetDefault("token.issuer", defaultTokenIssuer)
	configViper.SetDefault("token.audience", defaultTokenAudience)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("google.jwks_url", defaultGoogleJWKSURL)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("sync.remote_timeout", defaultRemoteTimeout)
	configViper.SetDefault("sync.follow_retry_attempts", defaultFollowRetryAttempts)
	configViper.SetDefault("sync.follow_retry_backoff", defaultFollowRetryBackoff)
	configViper.SetDefault("sync.notify_on_follow", false)
	configViper.SetDefault("sync.session_idle_ttl", defaultSessionIdleTTL)
	configViper.SetDefault("notifications.list_limit", defaultNotificationLimit)
	configViper.SetDefault("cors.allowed_origins", []string{"*"})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		LogLevel:             configViper.GetString("log.level"),
		StoreBackend:         strings.ToLower(strings.TrimSpace(configViper.GetString("store.backend"))),
		DatabasePath:         configViper.GetString("database.path"),
		PostgresDSN:          configViper.GetString("postgres.dsn"),
		PostgresMaxConns:     configViper.GetInt32("postgres.max_conns"),
		PostgresConnIdleTime: configViper.GetDuration("postgres.max_conn_idle_time"),
		SigningSecret:        configViper.GetString("auth.signing_secret"),
		TokenIssuer:          configViper.GetString("token.issuer"),
		TokenAudience:        configViper.GetString("token.audience"),
		TokenTTL:             time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		GoogleClientID:       configViper.GetString("google.client_id"),
		GoogleJWKSURL:        configViper.GetString("google.jwks_url"),
		TAuthSigningKey:      configViper.GetString("tauth.signing_secret"),
		TAuthIssuer:          configViper.GetString("tauth.issuer"),
		TAuthCookieName:      configViper.GetString("tauth.cookie_name"),
		RemoteTimeout:        configViper.GetDuration("sync.remote_timeout"),
		FollowRetryAttempts:  configViper.GetInt("sync.follow_retry_attempts"),
		FollowRetryBackoff:   configViper.GetDuration("sync.follow_retry_backoff"),
		NotifyOnFollow:       configViper.GetBool("sync.notify_on_follow"),
		SessionIdleTTL:       configViper.GetDuration("sync.session_idle_ttl"),
		NotificationLimit:    configViper.GetInt("notifications.list_limit"),
		AllowedOrigins:       splitOrigins(configViper.GetStringSlice("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// SessionCookiesEnabled reports whether protected routes also accept the external session cookie.
func (c AppConfig) SessionCookiesEnabled() bool {
	return strings.TrimSpace(c.TAuthSigningKey) != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.GoogleClientID) == "" {
		return fmt.Errorf("google.client_id is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	switch c.StoreBackend {
	case StoreBackendSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case StoreBackendPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("postgres.dsn is required")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q", StoreBackendSQLite, StoreBackendPostgres)
	}
	if c.SessionCookiesEnabled() && strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("sync.remote_timeout must be positive")
	}
	if c.FollowRetryAttempts <= 0 {
		return fmt.Errorf("sync.follow_retry_attempts must be positive")
	}
	if c.SessionIdleTTL <= 0 {
		return fmt.Errorf("sync.session_idle_ttl must be positive")
	}
	return nil
}

// splitOrigins accepts both list values and a comma separated env string.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "CIVICWATCH"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "civicwatch.db"
	defaultLogLevel       = "info"
	defaultIdentityBase   = "https://api.identity.example.com"
	defaultInferenceURL   = "https://detect.roboflow.com/accident-and-non-accident-label-image-dataset-mkbvw/1"
	defaultConfidence     = 95
	defaultTimeoutSecs    = 30
	defaultMaxUploadBytes = 10 << 20
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress         string
	DatabasePath        string
	LogLevel            string
	AuthJWKSURL         string
	AuthAudience        string
	AuthIssuers         []string
	IdentityBaseURL     string
	IdentitySecretKey   string
	InferenceURL        string
	InferenceAPIKey     string
	InferenceConfidence int
	OutboundTimeout     time.Duration
	MaxUploadBytes      int64
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("identity.base_url", defaultIdentityBase)
	configViper.SetDefault("inference.url", defaultInferenceURL)
	configViper.SetDefault("inference.confidence", defaultConfidence)
	configViper.SetDefault("outbound.timeout_seconds", defaultTimeoutSecs)
	configViper.SetDefault("upload.max_bytes", defaultMaxUploadBytes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		AuthJWKSURL:         configViper.GetString("auth.jwks_url"),
		AuthAudience:        configViper.GetString("auth.audience"),
		AuthIssuers:         configViper.GetStringSlice("auth.issuers"),
		IdentityBaseURL:     configViper.GetString("identity.base_url"),
		IdentitySecretKey:   configViper.GetString("identity.secret_key"),
		InferenceURL:        configViper.GetString("inference.url"),
		InferenceAPIKey:     configViper.GetString("inference.api_key"),
		InferenceConfidence: configViper.GetInt("inference.confidence"),
		OutboundTimeout:     time.Duration(configViper.GetInt("outbound.timeout_seconds")) * time.Second,
		MaxUploadBytes:      configViper.GetInt64("upload.max_bytes"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthJWKSURL) == "" {
		return fmt.Errorf("auth.jwks_url is required")
	}
	if strings.TrimSpace(c.AuthAudience) == "" {
		return fmt.Errorf("auth.audience is required")
	}
	if strings.TrimSpace(c.IdentitySecretKey) == "" {
		return fmt.Errorf("identity.secret_key is required")
	}
	if strings.TrimSpace(c.InferenceAPIKey) == "" {
		return fmt.Errorf("inference.api_key is required")
	}
	if c.InferenceConfidence < 0 || c.InferenceConfidence > 100 {
		return fmt.Errorf("inference.confidence must be between 0 and 100")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("upload.max_bytes must be positive")
	}
	return nil
}

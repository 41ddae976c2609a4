package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/civicwatch/backend/internal/auth"
	"github.com/civicwatch/backend/internal/config"
	"github.com/civicwatch/backend/internal/database"
	"github.com/civicwatch/backend/internal/detection"
	"github.com/civicwatch/backend/internal/identity"
	"github.com/civicwatch/backend/internal/logging"
	"github.com/civicwatch/backend/internal/server"
	"github.com/civicwatch/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "civicwatch-api",
		Short: "CivicWatch backend service",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("auth-jwks-url", defaults.GetString("auth.jwks_url"), "Identity provider JWKS URL")
	cmd.PersistentFlags().String("auth-audience", defaults.GetString("auth.audience"), "Expected session token audience")
	cmd.PersistentFlags().StringSlice("auth-issuers", defaults.GetStringSlice("auth.issuers"), "Allowed session token issuers")
	cmd.PersistentFlags().String("identity-base-url", defaults.GetString("identity.base_url"), "Identity provider API base URL")
	cmd.PersistentFlags().String("inference-url", defaults.GetString("inference.url"), "Inference API endpoint")
	cmd.PersistentFlags().Int("inference-confidence", defaults.GetInt("inference.confidence"), "Inference confidence threshold")
	cmd.PersistentFlags().Int("outbound-timeout-seconds", defaults.GetInt("outbound.timeout_seconds"), "Timeout for outbound provider calls")
	cmd.PersistentFlags().Int64("upload-max-bytes", defaults.GetInt64("upload.max_bytes"), "Maximum accepted upload size")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.jwks_url", "auth-jwks-url")
	bindFlag(cmd, "auth.audience", "auth-audience")
	bindFlag(cmd, "auth.issuers", "auth-issuers")
	bindFlag(cmd, "identity.base_url", "identity-base-url")
	bindFlag(cmd, "inference.url", "inference-url")
	bindFlag(cmd, "inference.confidence", "inference-confidence")
	bindFlag(cmd, "outbound.timeout_seconds", "outbound-timeout-seconds")
	bindFlag(cmd, "upload.max_bytes", "upload-max-bytes")
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
		// An explicitly requested config file must be readable and well
		// formed; without one, missing config just means defaults apply.
		if cfgFile != "" {
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

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionVerifier, err := auth.NewSessionVerifier(auth.SessionVerifierConfig{
		Audience:       appConfig.AuthAudience,
		JWKSURL:        appConfig.AuthJWKSURL,
		AllowedIssuers: appConfig.AuthIssuers,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	identityClient, err := identity.NewClient(identity.ClientConfig{
		BaseURL:   appConfig.IdentityBaseURL,
		SecretKey: appConfig.IdentitySecretKey,
		Timeout:   appConfig.OutboundTimeout,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	usersService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Provider: identityClient,
	})
	if err != nil {
		return err
	}

	detectionClient, err := detection.NewClient(detection.ClientConfig{
		Endpoint:   appConfig.InferenceURL,
		APIKey:     appConfig.InferenceAPIKey,
		Confidence: appConfig.InferenceConfidence,
		Timeout:    appConfig.OutboundTimeout,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionVerifier: sessionVerifier,
		SessionRevoker:  identityClient,
		UsersService:    usersService,
		Detector:        detectionClient,
		MaxUploadBytes:  appConfig.MaxUploadBytes,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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

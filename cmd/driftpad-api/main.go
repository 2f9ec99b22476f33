package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftpadhq/driftpad/backend/internal/acl"
	"github.com/driftpadhq/driftpad/backend/internal/auth"
	"github.com/driftpadhq/driftpad/backend/internal/config"
	"github.com/driftpadhq/driftpad/backend/internal/database"
	"github.com/driftpadhq/driftpad/backend/internal/diff"
	"github.com/driftpadhq/driftpad/backend/internal/logging"
	"github.com/driftpadhq/driftpad/backend/internal/notify"
	"github.com/driftpadhq/driftpad/backend/internal/room"
	"github.com/driftpadhq/driftpad/backend/internal/server"
	"github.com/driftpadhq/driftpad/backend/internal/snapshot"
	"github.com/driftpadhq/driftpad/backend/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "driftpad-api",
		Short: "Driftpad collaborative editing backend",
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
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Collab token TTL in minutes")
	cmd.PersistentFlags().Int("snapshot-interval-seconds", defaults.GetInt("snapshot.interval_seconds"), "Auto-save interval in seconds")
	cmd.PersistentFlags().Int("room-idle-grace-seconds", defaults.GetInt("room.idle_grace_seconds"), "Idle grace before room teardown in seconds")
	cmd.PersistentFlags().Int("awareness-timeout-seconds", defaults.GetInt("awareness.timeout_seconds"), "Presence staleness timeout in seconds")
	cmd.PersistentFlags().Int("snapshot-alert-failures", defaults.GetInt("snapshot.alert_failures"), "Consecutive flush failures before escalation")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "snapshot.interval_seconds", "snapshot-interval-seconds")
	bindFlag(cmd, "room.idle_grace_seconds", "room-idle-grace-seconds")
	bindFlag(cmd, "awareness.timeout_seconds", "awareness-timeout-seconds")
	bindFlag(cmd, "snapshot.alert_failures", "snapshot-alert-failures")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	dispatcher := notify.NewDispatcher()

	guard, err := acl.NewGuard(acl.GuardConfig{
		Database:  db,
		Publisher: dispatcher,
		Logger:    logging.ForComponent(logger, "acl"),
	})
	if err != nil {
		return err
	}

	versions, err := version.NewStore(version.StoreConfig{
		Database:  db,
		Publisher: dispatcher,
		Logger:    logging.ForComponent(logger, "version"),
	})
	if err != nil {
		return err
	}

	diffService, err := diff.NewService(diff.ServiceConfig{
		Versions: versions,
		Logger:   logging.ForComponent(logger, "diff"),
	})
	if err != nil {
		return err
	}

	collabIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "driftpad-api",
		Audience:      "driftpad-collab",
		TokenTTL:      appConfig.TokenTTL,
	})
	apiTokens := auth.NewAPITokenManager(auth.APITokenManagerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "driftpad-api",
		Audience:      "driftpad-api",
	})

	registry, err := room.NewRegistry(room.RegistryConfig{
		Versions:         versions,
		IdleGrace:        appConfig.RoomIdleGrace,
		AwarenessTimeout: appConfig.AwarenessTimeout,
		Logger:           logging.ForComponent(logger, "room"),
	})
	if err != nil {
		return err
	}

	manager, err := snapshot.NewManager(snapshot.ManagerConfig{
		Rooms:          registry,
		Versions:       versions,
		Interval:       appConfig.SnapshotInterval,
		AlertThreshold: appConfig.PersistenceAlertFailures,
		Logger:         logging.ForComponent(logger, "snapshot"),
	})
	if err != nil {
		return err
	}
	registry.SetFlusher(manager)

	gateway, err := room.NewGateway(room.GatewayConfig{
		Registry: registry,
		Guard:    guard,
		Tokens:   collabIssuer,
		Logger:   logging.ForComponent(logger, "gateway"),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: apiTokens,
		CollabIssuer:   collabIssuer,
		Guard:          guard,
		Versions:       versions,
		Diff:           diffService,
		Flusher:        manager,
		Rooms:          registry,
		Gateway:        gateway,
		Logger:         logging.ForComponent(logger, "http"),
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

	go manager.Run(signalCtx)
	go registry.Run(signalCtx)

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

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/syncgateway/workspace/internal/admin"
	"github.com/syncgateway/workspace/internal/auth"
	"github.com/syncgateway/workspace/internal/config"
	"github.com/syncgateway/workspace/internal/database"
	"github.com/syncgateway/workspace/internal/identity"
	"github.com/syncgateway/workspace/internal/logging"
	"github.com/syncgateway/workspace/internal/server"
	syncgw "github.com/syncgateway/workspace/internal/sync"
	"github.com/syncgateway/workspace/internal/workspace"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "syncgw-api",
		Short: "Workspace sync gateway service",
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
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Bool("allow-in-memory", defaults.GetBool("database.allow_in_memory"), "Permit an ephemeral in-memory database")
	cmd.PersistentFlags().Bool("strict", defaults.GetBool("database.strict"), "Forbid an in-memory database outright")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("session-signing-secret", "", "Session JWT signing secret (overrides env)")
	cmd.PersistentFlags().String("session-issuer", "", "Expected session JWT issuer")
	cmd.PersistentFlags().String("session-cookie-name", defaults.GetString("session.cookie_name"), "Session cookie name")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.allow_in_memory", "allow-in-memory")
	bindFlag(cmd, "database.strict", "strict")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "session-signing-secret")
	bindFlag(cmd, "session.issuer", "session-issuer")
	bindFlag(cmd, "session.cookie_name", "session-cookie-name")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	config.ApplyDefaults(viper.GetViper())
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
	appConfig, err := config.Load(viper.GetViper(), false)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Options{
		Path:              appConfig.DatabasePath,
		PragmaJournalMode: appConfig.PragmaJournalMode,
		PragmaSynchronous: appConfig.PragmaSynchronous,
		AllowInMemory:     appConfig.AllowInMemory,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	identityService, err := identity.NewService(identity.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	workspaceService, err := workspace.NewService(workspace.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	syncService, err := syncgw.NewService(syncgw.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	adminService, err := admin.NewService(admin.ServiceConfig{
		Database:  db,
		Workspace: workspaceService,
		Sync:      syncService,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Identity:         identityService,
		Workspace:        workspaceService,
		Sync:             syncService,
		Admin:            adminService,
		Logger:           logger,
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

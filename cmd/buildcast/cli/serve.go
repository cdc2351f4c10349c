package cli

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/davarch/buildcast/internal/application"
	"github.com/davarch/buildcast/internal/infrastructure/auth_jwt"
	"github.com/davarch/buildcast/internal/infrastructure/config"
	"github.com/davarch/buildcast/internal/infrastructure/github_http"
	"github.com/davarch/buildcast/internal/infrastructure/logging"
	"github.com/davarch/buildcast/internal/infrastructure/ws_server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveNoCheckRuns bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the build broadcast server",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.New()
		defer func() { _ = log.Sync() }()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.Fatal("config", zap.Error(err))
		}
		if err := cfg.ValidateServer(); err != nil {
			log.Fatal("config", zap.Error(err))
		}

		key, err := auth_jwt.LoadPrivateKey(cfg.App.PrivateKeyPath)
		if err != nil {
			log.Fatal("private key", zap.String("path", cfg.App.PrivateKeyPath), zap.Error(err))
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		var checkRuns application.CheckRunSink
		if !serveNoCheckRuns {
			gh := github_http.New(cfg.GitHub.BaseURL, cfg.GitHub.Timeout)
			creds := application.NewCredentialManager(log, auth_jwt.NewSigner(cfg.App.ID, key), gh,
				cfg.Credentials.SafetyMargin, cfg.GitHub.Timeout)
			reporter := application.NewCheckRunReporter(log, creds, gh, cfg.GitHub.CheckRunName, cfg.GitHub.Timeout, 0)
			go reporter.Run(ctx)
			checkRuns = reporter
		}

		store := application.NewStore(log, time.Now)
		reg := application.NewRegistry()
		b := application.NewBroadcaster(log, reg, cfg.Server.WriteTimeout)
		router := application.NewRouter(log, store, reg, b, checkRuns, cfg.Builds.QueryLimit)
		sweeper := application.NewSweeper(log, store, cfg.Builds.SweepInterval, cfg.Builds.Retention)

		srv := ws_server.New(log, ws_server.Options{
			Addr:         cfg.Server.Addr,
			ReadLimit:    cfg.Server.ReadLimit,
			PingInterval: cfg.Server.PingInterval,
			WriteTimeout: cfg.Server.WriteTimeout,
			QueryLimit:   cfg.Builds.QueryLimit,
		}, auth_jwt.NewVerifier(cfg.App.ID, &key.PublicKey), reg, store, router, b)

		go sweeper.Run(ctx)

		log.Info("start",
			zap.String("version", version),
			zap.String("addr", cfg.Server.Addr),
			zap.String("app_id", cfg.App.ID),
			zap.Bool("check_runs", checkRuns != nil),
			zap.String("github", cfg.GitHub.BaseURL),
			zap.Duration("retention", cfg.Builds.Retention),
		)
		if err := srv.Run(ctx); err != nil {
			log.Error("server", zap.Error(err))
		}
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoCheckRuns, "no-check-runs", false, "do not mirror builds as check runs")

	rootCmd.AddCommand(serveCmd)
}

package cli

import (
	"context"
	"errors"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/davarch/buildcast/internal/application"
	"github.com/davarch/buildcast/internal/domain"
	"github.com/davarch/buildcast/internal/infrastructure/auth_jwt"
	"github.com/davarch/buildcast/internal/infrastructure/cache_fs"
	"github.com/davarch/buildcast/internal/infrastructure/config"
	"github.com/davarch/buildcast/internal/infrastructure/logging"
	"github.com/davarch/buildcast/internal/infrastructure/notify_libnotify"
	"github.com/davarch/buildcast/internal/infrastructure/ws_client"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow builds of the configured repositories (notifications + status cache)",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.New()
		defer func() { _ = log.Sync() }()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.Fatal("config", zap.Error(err))
		}
		if err := cfg.ValidateClient(); err != nil {
			log.Fatal("config", zap.Error(err))
		}

		key, err := auth_jwt.LoadPrivateKey(cfg.App.PrivateKeyPath)
		if err != nil {
			log.Fatal("private key", zap.String("path", cfg.App.PrivateKeyPath), zap.Error(err))
		}
		signer := auth_jwt.NewSigner(cfg.App.ID, key)
		installationID := cfg.Client.InstallationID

		repos := cfg.EnabledRepositories()
		if len(repos) == 0 {
			log.Warn("no enabled repositories, waiting for config changes")
		}

		client := ws_client.New(log, ws_client.Options{
			URL: cfg.Client.ServerURL,
			Token: func(context.Context) (string, error) {
				return signer.ClientAssertion(installationID)
			},
			Repositories:   repos,
			BackoffInitial: cfg.Client.BackoffInitial,
			BackoffMax:     cfg.Client.BackoffMax,
			WriteTimeout:   cfg.Server.WriteTimeout,
		})

		uc := application.NewWatchUseCase(notify_libnotify.NewSoft(), cache_fs.New(cfg.Cache.Path), cfg.GitHub.WebURL)
		for _, t := range []string{domain.EventBuildStarted, domain.EventBuildUpdate, domain.EventBuildComplete} {
			client.On(t, uc.HandleEvent)
		}
		client.On(domain.TypeSubscriptionResponse, func(_ context.Context, env domain.Envelope) error {
			log.Info("subscriptions",
				zap.String("action", env.Action),
				zap.String("repository", env.Repository),
				zap.Strings("active", env.Subscriptions),
			)
			return nil
		})

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		watchAndReload(ctx, cfgPath, log, client)

		log.Info("start",
			zap.String("version", version),
			zap.String("server", cfg.Client.ServerURL),
			zap.Int64("installation_id", installationID),
			zap.Strings("repositories", repos),
			zap.String("cache", cfg.Cache.Path),
		)
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("client", zap.Error(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

// watchAndReload re-reads the config file after it settles and applies
// its repository list to the live client.
func watchAndReload(ctx context.Context, cfgPath string, log *zap.Logger, client *ws_client.Client) {
	if cfgPath == "" {
		return
	}

	dir := filepath.Dir(cfgPath)
	base := filepath.Base(cfgPath)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("fsnotify init failed", zap.Error(err))
		return
	}
	if err := w.Add(dir); err != nil {
		log.Warn("fsnotify add dir failed", zap.String("dir", dir), zap.Error(err))
		_ = w.Close()
		return
	}

	fire := func() {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.Warn("config reload failed", zap.Error(err))
			return
		}
		repos := cfg.EnabledRepositories()
		if len(repos) == 0 {
			log.Warn("config reload: no enabled repositories")
		}
		if err := client.SetRepositories(ctx, repos); err != nil {
			log.Warn("config reload: resubscribe failed", zap.Error(err))
			return
		}
		log.Info("config reloaded", zap.Strings("repositories", repos))
	}

	go func() {
		defer func() { _ = w.Close() }()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.AfterFunc(300*time.Millisecond, fire)
				} else {
					timer.Reset(300 * time.Millisecond)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("fsnotify error", zap.Error(err))
			}
		}
	}()
}

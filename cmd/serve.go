package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/pairgate/internal/bus"
	"github.com/nextlevelbuilder/pairgate/internal/config"
	"github.com/nextlevelbuilder/pairgate/internal/credentials"
	"github.com/nextlevelbuilder/pairgate/internal/gateway"
	httpapi "github.com/nextlevelbuilder/pairgate/internal/http"
	"github.com/nextlevelbuilder/pairgate/internal/plugins"
	"github.com/nextlevelbuilder/pairgate/internal/session"
	"github.com/nextlevelbuilder/pairgate/internal/whatsapp"
)

const (
	shutdownTimeout = 15 * time.Second
	resumeParallel  = 4
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, event stream and WhatsApp sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	level.Set(config.ParseLevel(cfg.Log.Level))
	setupLogger(cfg.Log.Format, level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel := initOTelExporter(ctx, cfg)
	defer shutdownOTel()

	creds := credentials.NewStore(credentials.Options{
		Root:        config.ExpandHome(cfg.Sessions.Dir),
		S3:          cfg.Remote.S3,
		HTTPTimeout: time.Duration(cfg.Remote.TimeoutSeconds) * time.Second,
		BundleKey:   cfg.Remote.Key,
		Paired:      whatsapp.Registered,
	})

	events := bus.New()
	if cfg.Redis.URL != "" {
		relay, err := bus.NewRedisRelay(ctx, cfg.Redis.URL, cfg.Redis.Channel)
		if err != nil {
			return err
		}
		relay.Attach(events)
		defer relay.Close(events)
	}

	dialer := whatsapp.NewDialer(whatsapp.Options{
		Logger:    slog.Default(),
		ClientTag: cfg.Sessions.ClientTag,
	})
	mgr := session.NewManager(session.Config{
		DefaultBotID: cfg.Sessions.DefaultBotID,
		RemoteBundle: cfg.Remote.Bundle,
		PairingTTL:   cfg.PairingTTL(),
		Retry:        retryConfig(cfg),
		PairTimeout:  cfg.PairTimeout(),
	}, dialer, creds, events)

	pluginMgr := plugins.NewManager(config.ExpandHome(cfg.Plugins.Dir), time.Duration(cfg.Plugins.TimeoutSeconds)*time.Second)
	if err := pluginMgr.Load(); err != nil {
		slog.Warn("plugins disabled", "error", err)
	} else {
		mgr.OnOpen(pluginMgr.OnOpen)
		if pw, err := plugins.NewWatcher(pluginMgr); err != nil {
			slog.Warn("plugins watcher unavailable", "error", err)
		} else if err := pw.Start(ctx); err != nil {
			slog.Warn("plugins watcher unavailable", "error", err)
		} else {
			defer pw.Stop()
		}
	}

	if cw, err := config.NewWatcher(cfgPath); err != nil {
		slog.Warn("config hot reload unavailable", "error", err)
	} else {
		cw.OnChange(func(c *config.Config) {
			level.Set(config.ParseLevel(c.Log.Level))
			mgr.SetRetry(retryConfig(c))
		})
		if err := cw.Start(); err != nil {
			slog.Warn("config hot reload unavailable", "error", err)
		} else {
			defer cw.Stop()
		}
	}

	gw := gateway.NewServer(events, cfg.Server.AllowedOrigins)
	api := httpapi.NewServer(httpapi.Options{
		Sessions:     mgr,
		Token:        cfg.Server.Token,
		RateLimitRPM: cfg.Server.RateLimitRPM,
		Events:       gw,
		Version:      Version,
	})
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.Server.Token == "" {
		slog.Warn("security.no_token: API is unauthenticated, set server.token or PAIRGATE_TOKEN")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("pairgate listening", "addr", srv.Addr, "version", Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.ResumeSessions() {
		g.Go(func() error {
			resumeSessions(gctx, mgr, creds, cfg.Sessions.DefaultBotID)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		gw.Close()
		api.Close()
		mgr.Shutdown()
		return err
	})
	return g.Wait()
}

// resumeSessions reconnects every stored bundle and always boots the
// default session, which falls back to QR when it has no credentials.
func resumeSessions(ctx context.Context, mgr *session.Manager, creds *credentials.Store, defaultBotID string) {
	ids, err := creds.List()
	if err != nil {
		slog.Warn("list stored sessions", "error", err)
	}

	targets := []string{defaultBotID}
	for _, id := range ids {
		if id != defaultBotID && creds.Registered(ctx, id) {
			targets = append(targets, id)
		}
	}

	var g errgroup.Group
	g.SetLimit(resumeParallel)
	for _, id := range targets {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res, err := mgr.Start(ctx, id, "")
			if err != nil {
				slog.Error("resume session failed", "bot", id, "error", err)
				return nil
			}
			slog.Info("session resumed", "bot", id, "state", res.State, "registered", res.Registered)
			return nil
		})
	}
	g.Wait()
}

func retryConfig(cfg *config.Config) session.RetryConfig {
	return session.RetryConfig{
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Reconnect.BaseDelaySeconds) * time.Second,
		MaxDelay:    time.Duration(cfg.Reconnect.MaxDelaySeconds) * time.Second,
	}
}

func setupLogger(format string, level *slog.LevelVar) {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

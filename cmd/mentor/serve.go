package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mentorline/internal/chat"
	"mentorline/internal/digest"
	"mentorline/internal/notify"
	"mentorline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, chat socket, digest scheduler and webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()
			cfg := rt.cfg
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			if cfg.Server.JWTSecret == "" && !cfg.Server.AllowLegacyHeader {
				return fmt.Errorf("MENTOR_JWT_SECRET is required for bearer auth (or set server.allow_legacy_header)")
			}

			// a recipient with no live socket and no message webhook counts as a failed delivery
			hub := notify.NewHub(rt.metrics)
			notifiers := notify.Fanout{hub}
			notifiers = append(notifiers, notify.MessageWebhooks(cfg.Webhooks)...)

			sessions := chat.NewSessions(cfg.SessionTTL)
			orch := chat.New(rt.engine, sessions)
			orch.Logger = rt.logger

			sched := digest.New(rt.engine, notifiers)
			sched.Logger = rt.logger
			dispatcher := notify.NewEventDispatcher(rt.engine.Store, cfg.Webhooks, rt.logger)

			handler, err := server.New(server.Config{
				Engine:         rt.engine,
				Orchestrator:   orch,
				Hub:            hub,
				Metrics:        rt.metrics,
				BasePath:       basePath,
				AllowAnyOrigin: cfg.Server.AllowAnyOrigin,
				Logger:         rt.logger,
				Auth: server.AuthConfig{
					JWTSecret:         cfg.Server.JWTSecret,
					AllowLegacyHeader: cfg.Server.AllowLegacyHeader,
					DevLogin:          cfg.Server.DevLogin,
					Logger:            rt.logger,
				},
			})
			if err != nil {
				return err
			}

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			var wg sync.WaitGroup
			wg.Add(3)
			go func() {
				defer wg.Done()
				if err := sched.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
					rt.logger.Error("digest scheduler stopped", "err", err)
				}
			}()
			go func() {
				defer wg.Done()
				dispatcher.Run(runCtx)
			}()
			go func() {
				defer wg.Done()
				sweepSessions(runCtx, sessions, cfg.SessionTTL, rt)
			}()

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-runCtx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			rt.logger.Info("serving mentor api",
				"url", fmt.Sprintf("http://%s%s", addr, basePath),
				"openapi", strings.TrimRight(basePath, "/")+"/openapi.json",
				"docs", "/docs",
				"webhooks", len(cfg.Webhooks),
			)
			err = srv.ListenAndServe()
			cancel()
			wg.Wait()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	return cmd
}

func sweepSessions(ctx context.Context, sessions *chat.Sessions, ttl time.Duration, rt *runtime) {
	interval := ttl / 2
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.Sweep(); n > 0 {
				rt.logger.Debug("expired chat sessions dropped", "count", n)
			}
		}
	}
}

func digestCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "digest",
		Short: "Morning digest and reminders",
	}
	d.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one scheduler pass now; messages go to webhooks and the log",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()
			notifiers := notify.Fanout(notify.MessageWebhooks(rt.cfg.Webhooks))
			notifiers = append(notifiers, notify.Log{Logger: rt.logger})
			sched := digest.New(rt.engine, notifiers)
			sched.Logger = rt.logger
			rep, err := sched.Tick(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(rep)
			}
			fmt.Printf("day %s in_window=%v sent=%d failed=%d skipped=%d reminders=%d\n",
				rep.Day, rep.InWindow, rep.Sent, rep.Failed, rep.Skipped, rep.Reminders)
			return nil
		},
	})
	return d
}

func parseTTL(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid ttl %q: %w", v, err)
	}
	return d, nil
}

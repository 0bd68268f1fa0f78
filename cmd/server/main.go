package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ag2api-go/internal/camouflage"
	"ag2api-go/internal/config"
	"ag2api-go/internal/dispatch"
	"ag2api-go/internal/fingerprint"
	"ag2api-go/internal/handlers/common"
	"ag2api-go/internal/handlers/management"
	"ag2api-go/internal/logging"
	"ag2api-go/internal/monitoring/tracing"
	"ag2api-go/internal/pool"
	"ag2api-go/internal/runtime"
	"ag2api-go/internal/server"
	"ag2api-go/internal/sigcache"
	"ag2api-go/internal/store"
	"ag2api-go/internal/token"
	"ag2api-go/internal/translator"
	"ag2api-go/internal/upstream"
	log "github.com/sirupsen/logrus"
)

const attemptRetention = 24 * time.Hour

func main() {
	if err := run(); err != nil {
		log.WithError(err).Error("fatal")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx)
	if err != nil {
		log.WithError(err).Warn("tracing init failed, continuing without it")
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	tr := fingerprint.New(fingerprint.Options{
		HelperPath:     cfg.FingerprintHelperPath,
		ConfigPath:     cfg.FingerprintConfigPath,
		ProxyURL:       cfg.OutboundProxy,
		Enabled:        cfg.UseTLSFingerprint,
		ConnectTimeout: time.Duration(cfg.ConnectTimeoutSec) * time.Second,
		ReadTimeout:    time.Duration(cfg.ReadTimeoutSec) * time.Second,
	})
	client := upstream.New(cfg.CodeAssistEndpoint, tr)

	tokens := token.NewManager(cfg, st, client)
	sigs := sigcache.New(time.Duration(cfg.ClaudeThinkingSignatureTTLMS)*time.Millisecond, st)
	trans := translator.New(cfg, sigs)
	p := pool.New(cfg, st, tokens)
	disp := dispatch.New(cfg, st, p, tokens)

	sup := runtime.NewSupervisor(ctx)
	camo := camouflage.New(cfg, st, client, tr, tokens, sup)
	tokens.OnTokenRefreshed(camo.UpdateHeartbeatToken)
	if err := camo.Start(); err != nil {
		log.WithError(err).Warn("camouflage schedulers failed to start")
	}

	_ = sup.StartPeriodic("store:purge-attempts", time.Hour, 0, func(ctx context.Context) error {
		n, err := st.PurgeAttemptsBefore(time.Now().Add(-attemptRetention))
		if err != nil {
			return err
		}
		if n > 0 {
			log.WithField("rows", n).Debug("purged old attempt rows")
		}
		return nil
	})

	if err := config.WatchThresholds(ctx, cfg.SetThresholds); err != nil {
		log.WithError(err).Warn("threshold watcher unavailable")
	}

	backend := &common.Backend{
		Cfg:        cfg,
		Store:      st,
		Translator: trans,
		Dispatcher: disp,
		Pool:       p,
		Client:     client,
		Camo:       camo,
	}
	mgmt := management.New(cfg, st, tokens, p, camo)
	router := server.New(cfg, server.Dependencies{Backend: backend, Management: mgmt})

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: router}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	log.WithField("addr", addr).Info("server listening")

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	sup.StopAll()
	sup.Wait()
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.WithError(err).Debug("tracing shutdown failed")
		}
	}
	return nil
}

package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/drausal/b2-reverse-proxy/internal/api"
	"github.com/drausal/b2-reverse-proxy/internal/authz"
	"github.com/drausal/b2-reverse-proxy/internal/b2"
	"github.com/drausal/b2-reverse-proxy/internal/bridge"
	"github.com/drausal/b2-reverse-proxy/internal/config"
	"github.com/drausal/b2-reverse-proxy/internal/logging"
	"github.com/drausal/b2-reverse-proxy/internal/runtime"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to service config file")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Printf("startup failed: %v", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Server.LogFormat, os.Stdout)

	authPermWarning, err := runtime.CheckAuthFilePermissions(cfg.Auth.AuthorizationFile)
	if err != nil {
		logger.Error("startup failed: authz file check", "error", err)
		os.Exit(1)
	}
	if authPermWarning != "" {
		logger.Warn("authorization file permissions warning", "warning", authPermWarning)
	}

	authEngine, err := authz.LoadFile(cfg.Auth.AuthorizationFile)
	if err != nil {
		logger.Error("startup failed: authz load", "error", err)
		os.Exit(1)
	}

	httpClient := &http.Client{Timeout: 10 * time.Minute}
	authorizer := b2.NewAuthorizer(cfg.Backend.KeyID, cfg.Backend.ApplicationKey, cfg.Backend.AuthorizeURL, httpClient, logger)
	client := b2.NewClient(authorizer, httpClient, retryPolicyFromConfig(cfg.Backend.Retry), logger)
	store := bridge.New(client, bridge.Options{
		BucketCacheTTL: time.Duration(cfg.Backend.BucketCacheTTLSeconds) * time.Second,
		SessionTTL:     time.Duration(cfg.Multipart.SessionTTLSeconds) * time.Second,
		MinPartSize:    cfg.Multipart.MinPartSizeBytes,
	}, logger)

	stopSessionMaintenance := runSessionMaintenance(context.Background(), logger, store, cfg)

	readyCheck := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return store.Ready(ctx)
	}

	svc := &api.Service{
		Backend:      store,
		Authz:        authEngine,
		Region:       cfg.Server.Region,
		ServiceName:  "s3",
		ClockSkew:    15 * time.Minute,
		ServiceHost:  serviceHost(cfg),
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		PathLive:     cfg.Health.PathLive,
		PathReady:    cfg.Health.PathReady,
		ReadyCheck:   readyCheck,
		Now:          time.Now,
		Logger:       logger,
	}

	handler := withServerHeader(svc.Handler())

	srv, err := runtime.New(cfg, handler, logger)
	if err != nil {
		logger.Error("startup failed: server init", "error", err)
		os.Exit(1)
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-shutdownCh
		stopSessionMaintenance()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			logger.Error("graceful shutdown failed", "error", shutdownErr)
		}
	}()

	logger.Info("server starting", "addr", cfg.Server.ListenAddress, "region", cfg.Server.Region, "tls_enabled", cfg.TLS.Enabled, "tls_mode", cfg.TLS.Mode)
	if err := srv.Start(); err != nil && err != http.ErrServerClosed {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func retryPolicyFromConfig(rc config.RetryConfig) b2.RetryPolicy {
	return b2.RetryPolicy{
		MaxAttempts:     rc.MaxAttempts,
		InitialInterval: time.Duration(rc.InitialIntervalMS) * time.Millisecond,
		MaxInterval:     time.Duration(rc.MaxIntervalMS) * time.Millisecond,
	}
}

// serviceHost picks the host used for virtual-hosted-style bucket addressing.
// An explicit service_host wins; otherwise it is derived from the listen
// address.
func serviceHost(cfg config.Config) string {
	if cfg.Server.ServiceHost != "" {
		return cfg.Server.ServiceHost
	}
	return hostFromListen(cfg.Server.ListenAddress)
}

func hostFromListen(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			if i == 0 {
				return "localhost"
			}
			return addr[:i]
		}
	}
	return addr
}

func withServerHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "b2s3proxy")
		next.ServeHTTP(w, r)
	})
}

// runSessionMaintenance periodically expires idle multipart sessions so
// abandoned uploads do not pin backend large-file state forever.
func runSessionMaintenance(parent context.Context, logger *slog.Logger, store *bridge.Store, cfg config.Config) func() {
	interval := time.Duration(cfg.Multipart.SweepIntervalSeconds) * time.Second
	if interval <= 0 || store == nil {
		return func() {}
	}

	ctx, cancel := context.WithCancel(parent)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if swept := store.SweepSessions(ctx); swept > 0 {
					logger.Info("multipart session sweep completed", "sessions_expired", swept)
				}
			}
		}
	}()
	return cancel
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/matst80/httpbridge/internal/obs"
	"github.com/matst80/httpbridge/internal/ratelimit"
	"github.com/matst80/httpbridge/internal/router"
	"github.com/matst80/httpbridge/internal/state"
)

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		obs.Error("config", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	obs.Configure(os.Stdout, cfg.LogFormat)
	obs.EnableDebug(cfg.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		obs.Error("server.exit", obs.Fields{"err": err.Error()})
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config) error {
	store, err := state.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer store.Close()
	if rs, ok := store.(*state.Redis); ok {
		go rs.StartMaintenance(ctx)
	}

	limiter := ratelimit.NewRateLimiter(cfg.GlobalSessionRate, cfg.SessionRate, cfg.SessionBurst)
	if limiter.Enabled() {
		go runLimiterCleanup(ctx, limiter, time.Minute, 10*time.Minute)
	}

	rt := router.New(router.Options{
		Bridge:   cfg.bridgeConfig(),
		Store:    store,
		Limiter:  limiter,
		Instance: instanceID(),
	})
	var handler http.Handler = rt
	if cfg.H2C {
		handler = h2c.NewHandler(rt, &http2.Server{})
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(obs.Writer("http.server"), "", 0),
	}
	srv.RegisterOnShutdown(func() {
		n := rt.CancelAll()
		obs.Info("server.shutdown.cancel", obs.Fields{"sessions": n})
	})

	ln, err := net.Listen("tcp", cfg.listenAddr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.listenAddr(), err)
	}

	var admin *http.Server
	if cfg.MetricsAddr != "" {
		admin = newAdminServer(cfg.MetricsAddr, store)
		go func() {
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": cfg.MetricsAddr})
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	store.SetReady(true)
	obs.Info("server.ready", obs.Fields{
		"listen":  ln.Addr().String(),
		"target":  cfg.ClientAddress,
		"metrics": cfg.MetricsAddr,
		"h2c":     cfg.H2C,
		"policy":  cfg.WritePolicy,
	})

	select {
	case <-ctx.Done():
		obs.Info("server.shutdown.signal", obs.Fields{})
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	store.SetClosing(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Warn("server.shutdown.timeout", obs.Fields{"err": err.Error()})
		_ = srv.Close()
	}
	if admin != nil {
		_ = admin.Shutdown(shutdownCtx)
	}
	obs.Info("server.shutdown.complete", obs.Fields{})
	return nil
}

func runLimiterCleanup(ctx context.Context, rl *ratelimit.RateLimiter, interval, maxIdle time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := rl.CleanupIdle(maxIdle); n > 0 {
				obs.Debug("ratelimit.cleanup", obs.Fields{"removed": n})
			}
		}
	}
}

// instanceID names this process in the shared registry.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

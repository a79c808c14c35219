// Command mailprobed serves the email validation engine over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/optimode/mailprobe"
	"github.com/optimode/mailprobe/config"
	"github.com/optimode/mailprobe/internal/httpapi"
	"github.com/optimode/mailprobe/internal/proxypool"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to TOML config file")
		listen      = flag.String("listen", "", "HTTP listen address (overrides config)")
		proxiesPath = flag.String("proxies", "", "path to SOCKS5 proxies file (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		hclog.Default().Error("loading config", "err", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *proxiesPath != "" {
		cfg.ProxiesFile = *proxiesPath
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "mailprobed",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	pool := proxypool.New(log)
	if cfg.ProxiesFile != "" {
		if err := pool.Load(cfg.ProxiesFile); err != nil {
			// A missing proxies file is survivable: the engine dials
			// directly until one is provided.
			log.Warn("proxies not loaded, dialing directly", "path", cfg.ProxiesFile, "err", err)
		}
	}

	validator := mailprobe.New().
		WithProxyPool(pool).
		WithHeloHost(cfg.HeloHost).
		WithLogger(log)

	api := httpapi.New(validator, cfg.CORSOrigin, log)
	srv := &http.Server{
		Addr:        cfg.Listen,
		Handler:     api.Handler(),
		ReadTimeout: 30 * time.Second,
		// No write timeout: bulk validations stream for as long as the
		// batch takes.
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		// Failing to bind the listen socket is the one fatal error.
		log.Error("server failed", "err", err)
		os.Exit(1)
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn("shutdown", "err", err)
	}
}

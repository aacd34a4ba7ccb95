// Package main is the entry point for the gateway: a multi-tenant
// Anthropic-Messages-compatible API that relays to the Kiro/CodeWhisperer
// upstream through a pool of OAuth credentials.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"kirogateway/internal/logging"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger("info", "", false)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	fmt.Printf("kirogateway %s (%s, built %s)\n", Version, Commit, BuildDate)

	if wd, err := os.Getwd(); err == nil {
		_ = godotenv.Load(filepath.Join(wd, ".env"))
	}

	if handleServiceCommand(os.Args[1:]) {
		return
	}

	var (
		configPath      = flag.String("config", "config/config.json", "path to the gateway config file")
		credentialsPath = flag.String("credentials", "config/credentials.json", "path to the credentials file")
		poolsPath       = flag.String("pools", "config/pools.json", "path to the pools config file")
		apiKeysPath     = flag.String("api-keys", "config/api_keys.json", "path to the api keys file")
		logLevel        = flag.String("log-level", envOr("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
		logDir          = flag.String("log-dir", "", "directory for rotating log files; empty disables file logging")
		jsonLogs        = flag.Bool("json-logs", false, "emit logs as JSON instead of text")
		runAsService    = flag.Bool("service", false, "run as a background service (Windows only)")
	)
	flag.Parse()

	logging.SetupBaseLogger(*logLevel, *logDir, *jsonLogs)

	opts := options{
		configPath:      *configPath,
		credentialsPath: *credentialsPath,
		poolsPath:       *poolsPath,
		apiKeysPath:     *apiKeysPath,
	}

	if *runAsService {
		if err := runService(*configPath); err != nil {
			log.WithError(err).Fatal("service run failed")
		}
		return
	}

	a, err := bootstrap(opts)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("server stopped unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
	if err := a.configWatcher.Close(); err != nil {
		log.WithError(err).Warn("config watcher close failed")
	}
}

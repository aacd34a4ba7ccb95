package main

import (
	"fmt"
	"path/filepath"

	"kirogateway/internal/apikey"
	"kirogateway/internal/appconfig"
	"kirogateway/internal/credential"
	"kirogateway/internal/health"
	"kirogateway/internal/httpserver"
	"kirogateway/internal/pool"
	"kirogateway/internal/ratelimiter"
	"kirogateway/internal/relay"
	"kirogateway/internal/tokenrefresher"
)

// options collects every flag bootstrap needs, so main and the Windows
// service wrapper can share one construction path.
type options struct {
	configPath      string
	credentialsPath string
	poolsPath       string
	apiKeysPath     string
}

// app is everything bootstrap assembles: the HTTP server plus the
// background watchers main must close down on shutdown.
type app struct {
	server        *httpserver.Server
	configWatcher *appconfig.Watcher
}

// optionsFromConfigPath derives the companion store paths from a single
// config file path, for callers (the Windows service wrapper) that only
// take one path on their command line.
func optionsFromConfigPath(configPath string) options {
	dir := filepath.Dir(configPath)
	return options{
		configPath:      configPath,
		credentialsPath: filepath.Join(dir, "credentials.json"),
		poolsPath:       filepath.Join(dir, "pools.json"),
		apiKeysPath:     filepath.Join(dir, "api_keys.json"),
	}
}

func toCredentialProxy(p *appconfig.ProxyConfig) *credential.ProxyConfig {
	if p == nil || p.URL == "" {
		return nil
	}
	return &credential.ProxyConfig{URL: p.URL, Username: p.Username, Password: p.Password}
}

// bootstrap wires every package into a runnable httpserver.Server, the way
// the teacher's service builder assembles its engine from a loaded config.
func bootstrap(opts options) (*app, error) {
	cfgStore, err := appconfig.NewStore(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	watcher, err := appconfig.WatchStore(cfgStore)
	if err != nil {
		return nil, fmt.Errorf("watch config: %w", err)
	}

	cfg := cfgStore.Get()
	refresher := tokenrefresher.New()
	pools := pool.New(opts.credentialsPath, opts.poolsPath, toCredentialProxy(cfg.Proxy), refresher)
	if err := pools.Reload(); err != nil {
		return nil, fmt.Errorf("load pools: %w", err)
	}

	keys, err := apikey.NewStore(opts.apiKeysPath)
	if err != nil {
		return nil, fmt.Errorf("load api keys: %w", err)
	}

	limiter := ratelimiter.New(ratelimiter.Limits{
		GlobalPerMinute: cfg.RateLimit.GlobalPerMinute,
		GlobalPerHour:   cfg.RateLimit.GlobalPerHour,
		PerKeyPerMinute: cfg.RateLimit.PerKeyPerMinute,
		PerKeyPerHour:   cfg.RateLimit.PerKeyPerHour,
	})

	reporter := health.New(pools)
	r := relay.New(relay.Config{PingInterval: cfg.Streaming.GetKeepAlive()})

	server := httpserver.New(httpserver.Deps{
		Pools:    pools,
		APIKeys:  keys,
		Config:   cfgStore,
		Limiter:  limiter,
		Health:   reporter,
		Relay:    r,
		AdminKey: cfg.AdminKey,
	})

	return &app{server: server, configWatcher: watcher}, nil
}

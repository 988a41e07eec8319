// Command conductor runs the orchestration service: it connects the
// configured gateways, discovers their agents, and serves the dashboard
// API that accepts and streams runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/openclaw/conductor/pkg/agent"
	"github.com/openclaw/conductor/pkg/cache"
	"github.com/openclaw/conductor/pkg/config"
	"github.com/openclaw/conductor/pkg/gateway"
	"github.com/openclaw/conductor/pkg/orchestrator"
	"github.com/openclaw/conductor/pkg/ratelimit"
	"github.com/openclaw/conductor/pkg/server"
	"github.com/openclaw/conductor/pkg/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Step 1: Environment and flags. A .env file is optional.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to conductor.yaml (defaults apply when omitted)")
	flag.Parse()
	if args := flag.Args(); len(args) > 0 && args[0] != "serve" {
		return fmt.Errorf("unknown command %q (only \"serve\" is supported)", args[0])
	}

	// Step 2: Configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	// Step 3: Logging.
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting conductor", "gateways", len(cfg.Gateways), "httpAgents", len(cfg.Agents))

	// Step 4: Run store.
	runStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer runStore.Close()

	// Step 5: Device identity.
	identityPath := cfg.Identity.Path
	if identityPath == "" {
		identityPath, err = gateway.DefaultIdentityPath()
		if err != nil {
			return err
		}
	}
	identity, err := gateway.LoadOrCreateIdentity(identityPath)
	if err != nil {
		return err
	}
	logger.Info("device identity ready", "deviceId", identity.DeviceID, "path", identityPath)

	// Step 6: Gateway pool.
	gateways := gateway.NewGatewayRegistry()
	for _, gc := range cfg.Gateways {
		gateways.Add(gateway.NewClient(gateway.ClientConfig{
			Name:     gc.Name,
			URL:      gc.URL,
			Token:    gc.BearerToken(),
			Identity: identity,
			Logger:   logger,
		}))
	}

	// Step 7: Agent registry. Static HTTP agents first, then best-effort
	// gateway discovery; a dead gateway must not block startup.
	agents := agent.NewRegistry()
	for _, ac := range cfg.Agents {
		opts := []agent.HTTPOption{
			agent.WithHTTPDescription(ac.Description),
			agent.WithHTTPCapabilities(ac.Capabilities...),
		}
		if ac.TimeoutMs > 0 {
			opts = append(opts, agent.WithHTTPTimeout(time.Duration(ac.TimeoutMs)*time.Millisecond))
		}
		if err := agents.Add(agent.NewHTTPAdapter(ac.Name, ac.URL, opts...)); err != nil {
			return fmt.Errorf("registering agent %s: %w", ac.Name, err)
		}
	}
	discoverGatewayAgents(logger, gateways, agents)

	// Step 8: Dispatch gates.
	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			MaxRequests:  cfg.RateLimit.MaxRequests,
			Window:       time.Duration(cfg.RateLimit.WindowMs) * time.Millisecond,
			QueueExcess:  cfg.RateLimit.QueueExcessEnabled(),
			MaxQueueSize: cfg.RateLimit.MaxQueueSize,
		})
	}
	var taskCache *cache.Cache
	if cfg.Cache.Enabled {
		taskCache = cache.New(cache.Config{
			MaxEntries:        cfg.Cache.MaxEntries,
			TTL:               time.Duration(cfg.Cache.TTLMs) * time.Millisecond,
			SlidingExpiration: cfg.Cache.SlidingEnabled(),
		})
	}

	// Step 9: Dashboard server wired to per-run orchestrators.
	thinker := gateway.NewThinker(gateways, cfg.Orchestrator.ThinkerGateway)
	factory := func(opts orchestrator.Options, cbs orchestrator.Callbacks) *orchestrator.Orchestrator {
		if opts.MaxConcurrency <= 0 {
			opts.MaxConcurrency = cfg.Orchestrator.MaxConcurrency
		}
		if opts.MaxSteps <= 0 {
			opts.MaxSteps = cfg.Orchestrator.MaxSteps
		}
		opts.OutputTruncation = cfg.Orchestrator.OutputTruncation

		orc := orchestrator.New(thinker, agents, opts, cbs, logger)
		execOpts := []orchestrator.ExecutorOption{orchestrator.WithExecutorLogger(logger)}
		if limiter != nil {
			execOpts = append(execOpts, orchestrator.WithLimiter(limiter))
		}
		if taskCache != nil {
			execOpts = append(execOpts, orchestrator.WithCache(taskCache))
		}
		orc.SetExecutor(orchestrator.NewStepExecutor(agents, opts.MaxConcurrency, execOpts...))
		return orc
	}

	srv := server.New(server.Options{
		Addr:      fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		MaxRuns:   cfg.Server.MaxRuns,
		Agents:    agents,
		Gateways:  gateways,
		Store:     runStore,
		NewRunner: factory,
		Logger:    logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	// Step 10: Run until a signal, then drain.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func openStore(cfg config.StoreConfig) (store.RunStore, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return store.OpenPostgres(cfg.DSN)
	default:
		return store.OpenSQLite(cfg.Path)
	}
}

// discoverGatewayAgents registers every agent each gateway advertises.
// Failures are logged and skipped; gateway agents can also appear later
// once the gateway comes up, but discovery is startup-only for now.
func discoverGatewayAgents(logger *slog.Logger, gateways *gateway.Registry, agents *agent.Registry) {
	for _, name := range gateways.Names() {
		client, ok := gateways.Get(name)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		profiles, err := client.DiscoverAgents(ctx)
		cancel()
		if err != nil {
			logger.Warn("gateway agent discovery failed", "gateway", name, "error", err)
			continue
		}
		for _, profile := range profiles {
			if err := agents.Add(gateway.NewAgentAdapter(client, profile)); err != nil {
				logger.Warn("skipping discovered agent", "gateway", name, "agent", profile.Name, "error", err)
			}
		}
		logger.Info("discovered gateway agents", "gateway", name, "count", len(profiles))
	}
}

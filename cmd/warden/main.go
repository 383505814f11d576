// Command warden runs the governed triage service: an HTTP API that
// validates requests, collects evidence, synthesizes an analysis, and
// holds any proposed action behind human approval.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/warden/pkg/approval"
	"github.com/odvcencio/warden/pkg/bus"
	"github.com/odvcencio/warden/pkg/config"
	"github.com/odvcencio/warden/pkg/governance"
	"github.com/odvcencio/warden/pkg/logging"
	"github.com/odvcencio/warden/pkg/server"
	"github.com/odvcencio/warden/pkg/storage"
	"github.com/odvcencio/warden/pkg/telemetry"
	"github.com/odvcencio/warden/pkg/workflow"
)

const expireInterval = time.Minute

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("warden", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config.yaml (default: built-in defaults)")
	bind := fs.String("bind", "", "address to bind the HTTP server (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*bind) != "" {
		cfg.Server.Bind = *bind
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Service.Name)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Close()
	logger.SetMinLevel(logging.Level(strings.ToLower(cfg.Logging.Level)))

	var tracing *telemetry.TracerProvider
	if cfg.Telemetry.TraceStdout {
		tracing, err = telemetry.NewTracerProvider(cfg.Service.Name, cfg.Service.Env)
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			_ = tracing.Shutdown(shutdownCtx)
		}()
	}

	sink, metricsHandler := buildSink(cfg)

	store, err := storage.New(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	hub := telemetry.NewHub()
	defer hub.Close()

	messageBus, err := buildBus(cfg)
	if err != nil {
		return fmt.Errorf("connecting bus: %w", err)
	}
	defer messageBus.Close()

	bridge := bus.NewEventBridge(hub, messageBus)
	defer bridge.Close()

	gate := approval.NewGate(
		approval.WithStore(store),
		approval.WithSink(sink),
		approval.WithHub(hub),
		approval.WithTTL(cfg.Approval.TTL),
	)
	if err := gate.Restore(ctx); err != nil {
		return fmt.Errorf("restoring pending approvals: %w", err)
	}

	orch, err := workflow.New(workflow.Options{
		Model:               newDemoSynthesizer(),
		Tools:               demoTools(),
		Gate:                gate,
		Executor:            newDemoExecutor(logger),
		Limits:              cfg.GovernanceLimits(),
		ConfidenceThreshold: cfg.Quality.ConfidenceThreshold,
		BlockOnPII:          cfg.Security.PIIPolicy == config.PIIPolicyBlock,
		CallTimeout:         cfg.Limits.CallTimeout,
		Rules:               securityRules(cfg),
		Sink:                sink,
		Hub:                 hub,
		Logger:              logger,
		Store:               store,
	})
	if err != nil {
		return err
	}

	srv := server.NewServer(server.Config{
		BindAddress: cfg.Server.Bind,
		AuthToken:   cfg.Server.AuthToken,
	}, orch, gate, store, metricsHandler, logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info(logging.CategoryServer, "server_started", "listening on "+cfg.Server.Bind, nil)
		return srv.ListenAndServe()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(expireInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				expired, err := gate.Expire(ctx)
				if err != nil {
					logger.Warn(logging.CategoryApproval, "expire_sweep_failed", err.Error(), nil)
					continue
				}
				ids := make([]string, 0, len(expired))
				for _, req := range expired {
					ids = append(ids, req.ID)
				}
				orch.Abandon(ctx, ids)
			case <-ctx.Done():
				return nil
			}
		}
	})

	return g.Wait()
}

// buildSink assembles the metric pipeline: always the in-process
// registry, plus Prometheus export when enabled, all tagged with the
// deployment identity.
func buildSink(cfg *config.Config) (telemetry.Sink, http.Handler) {
	registry := telemetry.NewRegistrySink(telemetry.NewRegistry())

	var sink telemetry.Sink = registry
	var handler http.Handler
	if cfg.Telemetry.PrometheusEnabled {
		promRegistry := prometheus.NewRegistry()
		sink = telemetry.MultiSink{registry, telemetry.NewPromSink(promRegistry)}
		handler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
	}

	return telemetry.WithBaseTags(sink, cfg.BaseTags()), handler
}

// securityRules derives the validator rule set from config. Patterns
// stay stock; only the length ceiling is tunable.
func securityRules(cfg *config.Config) governance.RuleSet {
	rules := governance.DefaultRuleSet()
	rules.MaxInputLength = cfg.Security.MaxInputLength
	return rules
}

func buildBus(cfg *config.Config) (bus.MessageBus, error) {
	if !cfg.Bus.NATSEnabled {
		return bus.NewMemoryBus(), nil
	}
	return bus.NewNATSBus(bus.Config{
		URL:  cfg.Bus.NATSURL,
		Name: cfg.Service.Name,
	})
}

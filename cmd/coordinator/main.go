// Command coordinator runs the multi-agent coordination server: the event
// bus, the priority forwarding queue, and the task orchestration engine.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coordinator/pkg/advisor"
	"coordinator/pkg/agentdir"
	"coordinator/pkg/config"
	"coordinator/pkg/event"
	"coordinator/pkg/eventlog"
	"coordinator/pkg/forward"
	"coordinator/pkg/logx"
	"coordinator/pkg/metrics"
	"coordinator/pkg/orch"
	"coordinator/pkg/registry"
	"coordinator/pkg/task"
	"coordinator/pkg/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configPath string
	var showVersion bool
	var debug bool
	flag.StringVar(&configPath, "config", "", "path to YAML config (defaults apply when empty)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	if showVersion {
		fmt.Println(version.String())
		return
	}
	if debug {
		logx.SetDebug(true)
	}

	logger := logx.NewLogger("coordinator")
	if err := run(logger, configPath); err != nil {
		logger.Error("Fatal: %v", err)
		os.Exit(1)
	}
}

func run(logger *logx.Logger, configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := task.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer store.Close()

	rec := metrics.NewRecorder()
	bus := event.NewBus()
	reg := registry.New()
	dir := agentdir.NewMemoryDirectory()

	// The directory mirrors agent and membership lifecycle off the bus.
	wireDirectory(bus, dir, reg)

	var adv orch.Advisor
	llmAdv, err := advisor.FromConfig(cfg.Assignment.Advisor)
	if err != nil {
		logger.Warn("Assignment advisor unavailable, using deterministic fallback: %v", err)
	} else if llmAdv != nil {
		adv = llmAdv
	}

	analyzer := orch.NewAnalyzer(store, dir, bus, cfg.Assignment.AgentOverloadThreshold)
	engine := orch.NewEngine(store, dir, bus, adv, analyzer, cfg.Assignment, rec)
	engine.Start(ctx)

	queue := forward.New(cfg.Queue, reg, rec)
	bus.SubscribeAll(queue.HandleEvent)

	logWriter, err := eventlog.NewWriter(cfg.EventLog.Dir)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer logWriter.Close()
	logWriter.Attach(bus)

	bus.Start(ctx)
	queue.Start(ctx)
	analyzer.Start(ctx)

	var queries *metrics.QueryService
	if cfg.Metrics.PrometheusURL != "" {
		queries, err = metrics.NewQueryService(cfg.Metrics.PrometheusURL)
		if err != nil {
			return fmt.Errorf("prometheus query service: %w", err)
		}
		logger.Info("Channel stats backed by Prometheus at %s", cfg.Metrics.PrometheusURL)
	}

	httpSrv := observabilityServer(cfg.Metrics.ListenAddr, queue, bus, queries)
	go func() {
		logger.Info("Observability listener on %s", cfg.Metrics.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Observability listener failed: %v", err)
		}
	}()

	logger.Info("Coordinator %s running (queue enabled=%v)", version.String(), cfg.Queue.Enabled)
	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Observability listener shutdown: %v", err)
	}
	if err := queue.Stop(shutdownCtx); err != nil {
		logger.Warn("Queue shutdown: %v", err)
	}
	if err := bus.Stop(shutdownCtx); err != nil {
		logger.Warn("Bus shutdown: %v", err)
	}
	logger.Info("Coordinator stopped")
	return nil
}

// wireDirectory keeps the agent directory and channel registry in sync with
// lifecycle events.
func wireDirectory(bus *event.Bus, dir *agentdir.MemoryDirectory, reg *registry.Registry) {
	bus.Subscribe(event.AgentConnected, func(env *event.Envelope) {
		if env.AgentID == "" {
			return
		}
		agent := &agentdir.Agent{
			ID:     env.AgentID,
			Name:   stringField(env.Data, "name"),
			Status: agentdir.StatusActive,
		}
		if roles, ok := env.Data["roles"].([]string); ok {
			agent.Roles = roles
		}
		if caps, ok := env.Data["capabilities"].([]string); ok {
			agent.Capabilities = caps
		}
		dir.Upsert(agent)
	})
	bus.Subscribe(event.AgentDisconnected, func(env *event.Envelope) {
		dir.SetStatus(env.AgentID, agentdir.StatusOffline)
		reg.Unregister(env.AgentID)
	})
	bus.Subscribe(event.AgentStatus, func(env *event.Envelope) {
		if status := stringField(env.Data, "status"); status != "" {
			dir.SetStatus(env.AgentID, agentdir.AgentStatus(status))
		}
	})
	bus.Subscribe(event.MemberJoined, func(env *event.Envelope) {
		dir.Join(env.AgentID, env.ChannelID)
		reg.Join(env.AgentID, env.ChannelID)
	})
	bus.Subscribe(event.MemberLeft, func(env *event.Envelope) {
		dir.Leave(env.AgentID, env.ChannelID)
		reg.Leave(env.AgentID, env.ChannelID)
	})
}

func observabilityServer(addr string, queue *forward.Queue, bus *event.Bus, queries *metrics.QueryService) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/statsz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"queue": queue.Stats(),
			"bus":   bus.Stats(),
		})
	})
	mux.HandleFunc("/statsz/channel", func(w http.ResponseWriter, r *http.Request) {
		if queries == nil {
			http.Error(w, "prometheus_url not configured", http.StatusNotImplemented)
			return
		}
		channelID := r.URL.Query().Get("id")
		if channelID == "" {
			http.Error(w, "missing id parameter", http.StatusBadRequest)
			return
		}
		stats, err := queries.GetChannelStats(r.Context(), channelID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

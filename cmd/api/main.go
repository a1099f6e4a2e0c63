// Command api runs the Ingress stage's HTTP server: POST /messages,
// GET /conversations/{id}, and GET /health.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentmesh/orchestrator/config"
	"github.com/agentmesh/orchestrator/pipeline"
	"github.com/agentmesh/orchestrator/pipeline/bus"
	"github.com/agentmesh/orchestrator/pipeline/ingress"
	"github.com/agentmesh/orchestrator/pipeline/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Logging)

	st, closeStore, err := openStore(cfg.Store)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer closeStore()

	b, err := openBus(context.Background(), cfg.Bus)
	if err != nil {
		log.WithError(err).Fatal("open bus")
	}

	registry := prometheus.NewRegistry()
	metrics := pipeline.NewMetrics(registry)
	tracer := pipeline.NewTracer(otel.Tracer("api"))

	srv := ingress.NewServer(st, b, cfg.Bus.ReasoningRequestedTopic,
		ingress.WithLogger(log),
		ingress.WithMetrics(metrics),
		ingress.WithTracer(tracer),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: srv.Router()}
	metricsServer := newMetricsServer(cfg.Metrics, registry)

	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("api server")
		}
	}()
	if metricsServer != nil {
		go func() {
			log.WithField("addr", cfg.Metrics.Addr).Info("metrics listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server")
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	_ = b.Close()
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	}
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

func openStore(cfg config.StoreConfig) (store.Store, func(), error) {
	switch cfg.Backend {
	case "", "memory":
		return store.NewMemoryStore(), func() {}, nil
	case "sqlite":
		st, err := store.NewSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	case "mysql":
		st, err := store.NewMySQLStore(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql store: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func openBus(ctx context.Context, cfg config.BusConfig) (bus.Bus, error) {
	switch cfg.Backend {
	case "", "memory":
		return bus.NewMemoryBus(), nil
	case "sqs":
		b, err := bus.NewSQSBus(ctx, bus.TopicURLs(cfg.TopicURLs))
		if err != nil {
			return nil, fmt.Errorf("open sqs bus: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Backend)
	}
}

func newMetricsServer(cfg config.MetricsConfig, registry *prometheus.Registry) *http.Server {
	if !cfg.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return &http.Server{Addr: cfg.Addr, Handler: mux}
}

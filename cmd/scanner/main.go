package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/automaxprocs/maxprocs"

	appscanning "github.com/ahrav/leakwatch/internal/app/scanning"
	"github.com/ahrav/leakwatch/internal/config"
	"github.com/ahrav/leakwatch/internal/config/fileloader"
	"github.com/ahrav/leakwatch/internal/detector"
	"github.com/ahrav/leakwatch/internal/infra/eventstream/kafka"
	"github.com/ahrav/leakwatch/internal/infra/hostingapi"
	"github.com/ahrav/leakwatch/internal/infra/metrics"
	findingstore "github.com/ahrav/leakwatch/internal/infra/storage/findings/postgres"
	"github.com/ahrav/leakwatch/pkg/common/logger"
	"github.com/ahrav/leakwatch/pkg/common/otel"
)

var build = "develop"

const serviceType = "scanner"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get hostname: %v\n", err)
		os.Exit(1)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("SCANNER-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, logger.LevelInfo, svcName, traceIDFn, logEvents, metadata)

	ctx := context.Background()

	if err := run(ctx, log, hostname, svcName); err != nil {
		log.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, hostname, svcName string) error {
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	// -------------------------------------------------------------------------
	// Configuration

	cfg, err := loadConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// -------------------------------------------------------------------------
	// Start Tracing Support

	prob := 0.05
	if v := os.Getenv("OTEL_SAMPLING_RATIO"); v != "" {
		if prob, err = strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("parsing sampling ratio: %w", err)
		}
	}

	traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceType,
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ExcludedRoutes: map[string]struct{}{
			"/v1/readiness": {},
			"/v1/liveness":  {},
		},
		Probability: prob,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	defer teardown(ctx)

	tracer := traceProvider.Tracer(serviceType)

	metricCollector, err := metrics.NewScanner(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("creating metrics collector: %w", err)
	}

	// -------------------------------------------------------------------------
	// Database

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := envOrDefault("POSTGRES_USER", "postgres")
		password := envOrDefault("POSTGRES_PASSWORD", "postgres")
		host := envOrDefault("POSTGRES_HOST", "postgres")
		dbname := envOrDefault("POSTGRES_DB", "leakwatch")

		dsn = fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable",
			user, password, host, dbname)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parsing db config: %w", err)
	}
	poolCfg.MinConns = 5
	poolCfg.MaxConns = 25
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("creating db pool: %w", err)
	}
	defer pool.Close()

	store := findingstore.NewFindingStore(pool, tracer)

	// -------------------------------------------------------------------------
	// Event Stream

	log.Info(ctx, "startup", "status", "connecting event stream")

	brokers := strings.Split(os.Getenv("KAFKA_BROKERS"), ",")
	groupID := envOrDefault("KAFKA_GROUP_ID", "scanners")

	kafkaClient, err := kafka.NewClient(&kafka.ClientConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		ClientID: svcName,
	})
	if err != nil {
		return fmt.Errorf("creating kafka client: %w", err)
	}
	defer kafkaClient.Close()

	stream, err := kafka.ConnectStream(kafka.Config{
		Brokers:         brokers,
		EventTopic:      os.Getenv("KAFKA_PUSH_EVENTS_TOPIC"),
		RetryTopic:      os.Getenv("KAFKA_PUSH_EVENTS_RETRY_TOPIC"),
		DeadLetterTopic: os.Getenv("KAFKA_PUSH_EVENTS_DLQ_TOPIC"),
		GroupID:         groupID,
		ClientID:        svcName,
	}, kafkaClient, log, metricCollector, tracer)
	if err != nil {
		return fmt.Errorf("connecting event stream: %w", err)
	}
	defer stream.Close()

	// -------------------------------------------------------------------------
	// Worker Pool

	fetcher := hostingapi.NewGitHubFetcher(nil, hostingapi.Config{
		Token:       os.Getenv("GITHUB_TOKEN"),
		MaxFileSize: cfg.Scanning.MaxFileSizeBytes,
	}, log, tracer)

	numWorkers := 0
	if v := os.Getenv("SCANNER_WORKERS"); v != "" {
		if numWorkers, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("parsing worker count: %w", err)
		}
	}

	workerPool := appscanning.NewWorkerPool(appscanning.WorkerPoolConfig{
		Group:          groupID,
		ConsumerPrefix: hostname,
		NumWorkers:     numWorkers,
	}, stream, fetcher, store, detector.New(cfg.Detector), nil, log, metricCollector, tracer)

	// -------------------------------------------------------------------------
	// Health Endpoints

	ready := &atomic.Bool{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/readiness", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	healthAddr := fmt.Sprintf("%s:%s", os.Getenv("HEALTH_HOST"), envOrDefault("HEALTH_PORT", "8081"))
	healthServer := http.Server{
		Addr:     healthAddr,
		Handler:  mux,
		ErrorLog: logger.NewStdLogger(log, logger.LevelError),
	}
	go func() {
		log.Info(ctx, "startup", "status", "health endpoints started", "host", healthAddr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(ctx, "health server error", "error", err)
		}
	}()
	defer healthServer.Shutdown(ctx)

	// -------------------------------------------------------------------------
	// Run and Shutdown

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-shutdown
		log.Info(ctx, "shutdown", "status", "shutdown started", "signal", sig)
		cancel()
	}()

	ready.Store(true)
	log.Info(ctx, "startup", "status", "scan workers running")

	if err := workerPool.Run(runCtx); err != nil {
		return fmt.Errorf("worker pool error: %w", err)
	}

	log.Info(ctx, "shutdown", "status", "shutdown complete")
	return nil
}

// loadConfig reads the tuning config from CONFIG_PATH, falling back to the
// embedded defaults when unset.
func loadConfig(ctx context.Context) (*config.Config, error) {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return fileloader.NewFileLoader(path).Load(ctx)
	}
	return config.LoadDefault()
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

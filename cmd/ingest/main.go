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
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/leakwatch/internal/infra/eventstream/kafka"
	"github.com/ahrav/leakwatch/internal/infra/metrics"
	"github.com/ahrav/leakwatch/internal/ingest"
	"github.com/ahrav/leakwatch/pkg/common/logger"
	"github.com/ahrav/leakwatch/pkg/common/otel"
)

var build = "develop"

const serviceType = "ingest"

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

	svcName := fmt.Sprintf("INGEST-%s", hostname)
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
	// Start Tracing Support

	prob := 0.05
	if v := os.Getenv("OTEL_SAMPLING_RATIO"); v != "" {
		var err error
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

	metricCollector, err := metrics.NewIngest(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("creating metrics collector: %w", err)
	}

	// -------------------------------------------------------------------------
	// Event Stream Publisher

	log.Info(ctx, "startup", "status", "initializing event stream publisher")

	brokers := strings.Split(os.Getenv("KAFKA_BROKERS"), ",")
	kafkaClient, err := kafka.NewClient(&kafka.ClientConfig{
		Brokers:  brokers,
		GroupID:  os.Getenv("KAFKA_GROUP_ID"),
		ClientID: svcName,
	})
	if err != nil {
		return fmt.Errorf("creating kafka client: %w", err)
	}
	defer kafkaClient.Close()

	producer, err := sarama.NewSyncProducerFromClient(kafkaClient)
	if err != nil {
		return fmt.Errorf("creating kafka producer: %w", err)
	}

	publisher := kafka.NewDomainEventPublisher(producer, kafka.Config{
		Brokers:    brokers,
		EventTopic: os.Getenv("KAFKA_PUSH_EVENTS_TOPIC"),
		GroupID:    os.Getenv("KAFKA_GROUP_ID"),
		ClientID:   svcName,
	}, log, metricCollector, tracer)
	defer publisher.Close()

	// -------------------------------------------------------------------------
	// Webhook Gateway

	gateway, err := ingest.NewGateway(ingest.Config{
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
	}, publisher, nil, log, metricCollector, tracer)
	if err != nil {
		return fmt.Errorf("creating ingest gateway: %w", err)
	}

	mux := http.NewServeMux()
	ingest.NewWebhookHandler(gateway, log).Routes(mux)
	mux.HandleFunc("GET /v1/liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/readiness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	host := os.Getenv("INGEST_HOST")
	port := os.Getenv("INGEST_PORT")
	if port == "" {
		port = "8080"
	}

	server := http.Server{
		Addr:         fmt.Sprintf("%s:%s", host, port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     logger.NewStdLogger(log, logger.LevelError),
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info(ctx, "startup", "status", "webhook listener started", "host", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// -------------------------------------------------------------------------
	// Shutdown

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Info(ctx, "shutdown", "status", "shutdown started", "signal", sig)
		defer log.Info(ctx, "shutdown", "status", "shutdown complete", "signal", sig)

		ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	return nil
}

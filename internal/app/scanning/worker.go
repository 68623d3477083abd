// Package scanning runs the worker pool that consumes push events from the
// event stream, fetches changed file content, runs leak detection and
// persists findings. Acknowledgement policy is the core of the package: an
// event is acked only after every finding it produced has been durably
// stored, so a crash or transient failure leaves it pending for redelivery.
package scanning

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/leakwatch/internal/detector"
	"github.com/ahrav/leakwatch/internal/domain/events"
	domain "github.com/ahrav/leakwatch/internal/domain/scanning"
	"github.com/ahrav/leakwatch/pkg/common/logger"
	"github.com/ahrav/leakwatch/pkg/common/timeutil"
)

// WorkerMetrics defines the metrics operations the worker pool records.
type WorkerMetrics interface {
	IncEventProcessed(ctx context.Context)
	IncEventFailed(ctx context.Context)
	IncFileSkipped(ctx context.Context, reason string)
	IncFindingsUpserted(ctx context.Context, count int)
	ObserveEventDuration(ctx context.Context, d time.Duration)
}

// WorkerPoolConfig tunes the scanning worker pool.
type WorkerPoolConfig struct {
	// Group is the consumer group the pool claims from. All pool instances
	// that share a group share the work.
	Group string
	// ConsumerPrefix names the pool's consumers; worker i claims as
	// "<prefix>-<i>".
	ConsumerPrefix string
	// NumWorkers is the number of concurrent claim loops. Defaults to 4.
	NumWorkers int
	// ClaimBatchSize is the maximum events claimed per call. Defaults to 8.
	ClaimBatchSize int
	// ClaimBlock bounds how long an idle worker blocks waiting for events.
	// Defaults to 5s.
	ClaimBlock time.Duration
	// EventTimeout bounds the processing of a single event, fetches and
	// store writes included. Defaults to 2m and should stay below the
	// stream's visibility timeout.
	EventTimeout time.Duration
	// UpsertRetryElapsed bounds the retry window for transient store
	// failures before the event is given back for redelivery. Defaults
	// to 15s.
	UpsertRetryElapsed time.Duration
}

func (c WorkerPoolConfig) withDefaults() WorkerPoolConfig {
	if c.Group == "" {
		c.Group = "scanners"
	}
	if c.ConsumerPrefix == "" {
		c.ConsumerPrefix = "scanner"
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 4
	}
	if c.ClaimBatchSize <= 0 {
		c.ClaimBatchSize = 8
	}
	if c.ClaimBlock <= 0 {
		c.ClaimBlock = 5 * time.Second
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = 2 * time.Minute
	}
	if c.UpsertRetryElapsed <= 0 {
		c.UpsertRetryElapsed = 15 * time.Second
	}
	return c
}

// WorkerPool consumes push events and turns them into persisted findings.
// It is created stopped; Run starts the workers and blocks until the context
// is canceled or the stream closes.
type WorkerPool struct {
	cfg      WorkerPoolConfig
	stream   events.EventStream
	fetcher  domain.ContentFetcher
	store    domain.FindingStore
	detector *detector.Detector
	clock    timeutil.Provider

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics WorkerMetrics
}

// NewWorkerPool assembles a scanning worker pool. A nil clock falls back to
// the system clock.
func NewWorkerPool(
	cfg WorkerPoolConfig,
	stream events.EventStream,
	fetcher domain.ContentFetcher,
	store domain.FindingStore,
	det *detector.Detector,
	clock timeutil.Provider,
	log *logger.Logger,
	metrics WorkerMetrics,
	tracer trace.Tracer,
) *WorkerPool {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = timeutil.Default()
	}
	return &WorkerPool{
		cfg:      cfg,
		stream:   stream,
		fetcher:  fetcher,
		store:    store,
		detector: det,
		clock:    clock,
		logger:   log.With("component", "scan_worker_pool", "group", cfg.Group),
		tracer:   tracer,
		metrics:  metrics,
	}
}

// Run starts the worker goroutines and blocks until the context is canceled
// or the stream closes. In-flight events are drained before Run returns;
// anything unacknowledged at that point is redelivered by the stream to a
// surviving group member.
func (p *WorkerPool) Run(ctx context.Context) error {
	p.logger.Info(ctx, "Starting scan workers", "num_workers", p.cfg.NumWorkers)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.NumWorkers; i++ {
		consumer := fmt.Sprintf("%s-%d", p.cfg.ConsumerPrefix, i)
		g.Go(func() error { return p.runWorker(ctx, consumer) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runWorker is one claim loop. It exits cleanly on context cancellation and
// stream closure.
func (p *WorkerPool) runWorker(ctx context.Context, consumer string) error {
	log := p.logger.With("consumer", consumer)

	for {
		deliveries, err := p.stream.Claim(ctx, p.cfg.Group, consumer, p.cfg.ClaimBatchSize, p.cfg.ClaimBlock)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()
		case errors.Is(err, events.ErrStreamClosed):
			log.Info(ctx, "Event stream closed, stopping worker")
			return nil
		default:
			log.Error(ctx, "Failed to claim events", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, delivery := range deliveries {
			p.processDelivery(ctx, log, consumer, delivery)
		}
	}
}

// processDelivery handles one claimed event end to end and decides its
// acknowledgement. Transient failures leave the event unacked so the
// visibility timeout can redeliver it; repeated failures let the stream
// dead-letter it.
func (p *WorkerPool) processDelivery(ctx context.Context, log *logger.Logger, consumer string, delivery events.Delivery) {
	envelope := delivery.Envelope

	ctx, cancel := context.WithTimeout(ctx, p.cfg.EventTimeout)
	defer cancel()

	ctx, span := p.tracer.Start(ctx, "scan_worker.process_event",
		trace.WithAttributes(
			attribute.String("event_id", string(envelope.ID)),
			attribute.String("event_key", envelope.Key),
			attribute.Int("delivery_count", delivery.DeliveryCount),
		))
	defer span.End()

	start := p.clock.Now()

	pushEvent, ok := envelope.Payload.(domain.PushEvent)
	if !ok {
		// A payload of the wrong type can never succeed. Leaving it unacked
		// lets the stream dead-letter it once deliveries are exhausted.
		log.Error(ctx, "Event payload is not a push event",
			"event_id", envelope.ID, "event_type", envelope.Type)
		span.SetStatus(codes.Error, "unexpected payload type")
		p.metrics.IncEventFailed(ctx)
		return
	}

	if err := p.processPush(ctx, log, pushEvent); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "processing failed")
		p.metrics.IncEventFailed(ctx)
		log.Warn(ctx, "Push event processing failed, leaving unacked",
			"event_id", envelope.ID,
			"repo_identifier", pushEvent.RepoIdentifier,
			"delivery_count", delivery.DeliveryCount,
			"error", err,
		)
		return
	}

	if err := p.stream.Ack(ctx, p.cfg.Group, envelope.ID); err != nil {
		// The work is durable either way; a failed ack only costs a
		// redundant redelivery absorbed by the fingerprint upsert.
		log.Error(ctx, "Failed to ack processed event", "event_id", envelope.ID, "error", err)
		span.RecordError(err)
		return
	}

	p.metrics.IncEventProcessed(ctx)
	p.metrics.ObserveEventDuration(ctx, p.clock.Now().Sub(start))
	log.Debug(ctx, "Processed push event",
		"event_id", envelope.ID,
		"repo_identifier", pushEvent.RepoIdentifier,
		"consumer", consumer,
	)
}

// processPush fetches the event's changed files, scans each and persists
// every finding. It returns nil only when all persistence succeeded;
// per-file permanent failures are skipped without failing the event.
func (p *WorkerPool) processPush(ctx context.Context, log *logger.Logger, pushEvent domain.PushEvent) error {
	files, err := p.fetcher.FetchChangedFiles(ctx, pushEvent.RepoIdentifier, pushEvent.CommitRef)
	if err != nil {
		return fmt.Errorf("failed to fetch changed files: %w", err)
	}

	for _, file := range files {
		if file.Content == nil && file.Size > 0 {
			p.metrics.IncFileSkipped(ctx, "oversized")
			log.Debug(ctx, "Skipping oversized file",
				"repo_identifier", pushEvent.RepoIdentifier,
				"path", file.Path,
				"size", file.Size,
			)
			continue
		}
		if !detector.ShouldScanFile(file.Path) {
			p.metrics.IncFileSkipped(ctx, "unscannable")
			continue
		}

		matches, err := p.scanFile(file)
		if err != nil {
			if domain.IsPermanentFileError(err) {
				p.metrics.IncFileSkipped(ctx, "unprocessable")
				log.Debug(ctx, "Skipping unprocessable file",
					"repo_identifier", pushEvent.RepoIdentifier,
					"path", file.Path,
					"error", err,
				)
				continue
			}
			return err
		}

		for _, match := range matches {
			finding, err := domain.NewFinding(pushEvent.RepoIdentifier, pushEvent.CommitRef, match, p.clock.Now().UTC())
			if err != nil {
				return fmt.Errorf("failed to construct finding for %s: %w", file.Path, err)
			}
			if err := p.upsertWithRetry(ctx, finding); err != nil {
				return err
			}
			p.metrics.IncFindingsUpserted(ctx, 1)
		}
	}
	return nil
}

// scanFile validates one file's content and runs detection over it.
// Undecodable content is a per-file permanent failure.
func (p *WorkerPool) scanFile(file domain.FileContent) ([]domain.CandidateMatch, error) {
	if bytes.IndexByte(file.Content, 0) >= 0 {
		return nil, &domain.PermanentFileError{Path: file.Path, Err: errors.New("binary content")}
	}
	if !utf8.Valid(file.Content) {
		return nil, &domain.PermanentFileError{Path: file.Path, Err: errors.New("content is not valid UTF-8")}
	}

	return p.detector.Detect(file.Path, string(file.Content)), nil
}

// upsertWithRetry persists one finding, retrying transient store failures
// within a bounded window. Exhausting the window surfaces the transient
// error so the event stays unacked.
func (p *WorkerPool) upsertWithRetry(ctx context.Context, finding *domain.Finding) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = p.cfg.UpsertRetryElapsed

	operation := func() error {
		_, err := p.store.Upsert(ctx, finding)
		if err == nil {
			return nil
		}
		if domain.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("failed to persist finding %s: %w", finding.FingerprintID(), err)
	}
	return nil
}

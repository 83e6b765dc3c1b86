package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Provisioner creates the billing account of a patient. Calls must be
// idempotent by patient id.
type Provisioner interface {
	Provision(ctx context.Context, patientID uuid.UUID, name, email string) error
}

// Publisher pushes lifecycle events to the event stream, keyed by patient id.
type Publisher interface {
	Publish(ctx context.Context, ev LifecycleEvent) error
}

type RelayConfig struct {
	Workers         int
	BatchSize       int
	PollInterval    time.Duration
	DispatchTimeout time.Duration
	ClaimTTL        time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	BackoffJitter   float64
	DoneRetention   time.Duration
	CleanupInterval time.Duration
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Workers:         4,
		BatchSize:       32,
		PollInterval:    time.Second,
		DispatchTimeout: 10 * time.Second,
		ClaimTTL:        3 * time.Minute,
		MaxAttempts:     8,
		BackoffBase:     time.Second,
		BackoffMax:      5 * time.Minute,
		BackoffJitter:   0.2,
		DoneRetention:   7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// FinishTimeout bounds the status write after a dispatch, which runs even
// when the relay is shutting down.
const FinishTimeout = 5 * time.Second

// MinClaimTTL is the shortest claim TTL under which no entry of a full batch
// can expire while a live worker still holds it: the last entry of a batch
// waits for ceil(batch/workers)-1 dispatches before its own starts.
func MinClaimTTL(batchSize, workers int, dispatchTimeout time.Duration) time.Duration {
	if workers < 1 {
		workers = 1
	}
	rounds := (batchSize + workers - 1) / workers
	if rounds < 1 {
		rounds = 1
	}
	return time.Duration(rounds) * (dispatchTimeout + FinishTimeout)
}

// Relay drains the outbox into the billing service and the event stream.
// Any number of relays may share one outbox; the claim keeps them apart.
type Relay struct {
	repo    Repository
	billing Provisioner
	events  Publisher
	cfg     RelayConfig
	logger  zerolog.Logger
	tracer  trace.Tracer
	now     func() time.Time
	random  func() float64
}

type RelayOption func(*Relay)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) RelayOption {
	return func(r *Relay) { r.now = now }
}

// WithRandom replaces the jitter source. f must return values in [0, 1).
func WithRandom(f func() float64) RelayOption {
	return func(r *Relay) { r.random = f }
}

func WithTracer(t trace.Tracer) RelayOption {
	return func(r *Relay) { r.tracer = t }
}

func NewRelay(repo Repository, billing Provisioner, events Publisher, cfg RelayConfig, logger zerolog.Logger, opts ...RelayOption) *Relay {
	r := &Relay{
		repo:    repo,
		billing: billing,
		events:  events,
		cfg:     cfg,
		logger:  logger.With().Str("component", "outbox-relay").Logger(),
		tracer:  otel.Tracer("github.com/ehr/patientflow/outbox"),
		now:     func() time.Time { return time.Now().UTC() },
		random:  rand.Float64,
	}
	for _, opt := range opts {
		opt(r)
	}
	if minTTL := MinClaimTTL(cfg.BatchSize, cfg.Workers, cfg.DispatchTimeout); cfg.ClaimTTL <= minTTL {
		r.logger.Warn().
			Dur("claim_ttl", cfg.ClaimTTL).
			Dur("min_claim_ttl", minTTL).
			Msg("claim TTL is shorter than a full batch; queued entries may expire and be charged an attempt")
	}
	return r
}

// Start polls the outbox until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) {
	pollTicker := time.NewTicker(r.cfg.PollInterval)
	cleanupTicker := time.NewTicker(r.cfg.CleanupInterval)
	defer pollTicker.Stop()
	defer cleanupTicker.Stop()

	r.logger.Info().
		Int("workers", r.cfg.Workers).
		Int("max_attempts", r.cfg.MaxAttempts).
		Dur("dispatch_timeout", r.cfg.DispatchTimeout).
		Msg("outbox relay started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("outbox relay stopped")
			return
		case <-pollTicker.C:
			r.poll(ctx)
		case <-cleanupTicker.C:
			r.cleanup(ctx)
		}
	}
}

func (r *Relay) poll(ctx context.Context) {
	r.releaseExpired(ctx)
	for ctx.Err() == nil {
		n, err := r.DrainOnce(ctx)
		if err != nil {
			r.logger.Error().Err(err).Msg("failed to claim outbox entries")
			return
		}
		if n < r.cfg.BatchSize {
			return
		}
	}
}

func (r *Relay) releaseExpired(ctx context.Context) {
	now := r.now()
	n, err := r.repo.ReleaseExpired(ctx, now.Add(-r.cfg.ClaimTTL), r.cfg.MaxAttempts, now)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to release expired claims")
		return
	}
	if n > 0 {
		expiredClaimsTotal.Add(float64(n))
		r.logger.Warn().Int("count", n).Msg("released expired outbox claims")
	}
}

func (r *Relay) cleanup(ctx context.Context) {
	n, err := r.repo.PurgeDone(ctx, r.now().Add(-r.cfg.DoneRetention))
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to purge delivered outbox entries")
		return
	}
	if n > 0 {
		r.logger.Info().Int("count", n).Msg("purged delivered outbox entries")
	}
}

// DrainOnce claims one batch, dispatches it on the worker pool and waits for
// every entry to reach its next state. It returns the batch size.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.claim")
	entries, err := r.repo.Claim(ctx, r.now(), r.cfg.BatchSize)
	span.SetAttributes(attribute.Int("outbox.claimed", len(entries)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	if err != nil {
		return 0, err
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for _, e := range entries {
		e := e
		claimedTotal.WithLabelValues(string(e.Kind)).Inc()
		g.Go(func() error {
			r.process(ctx, e)
			return nil
		})
	}
	_ = g.Wait()
	return len(entries), nil
}

func (r *Relay) process(ctx context.Context, e *Entry) {
	ctx, span := r.tracer.Start(ctx, "outbox.dispatch", trace.WithAttributes(
		attribute.Int64("outbox.entry_id", e.ID),
		attribute.String("outbox.kind", string(e.Kind)),
		attribute.String("patient.id", e.PatientID.String()),
		attribute.Int("outbox.attempt", e.Attempts+1),
	))
	defer span.End()

	log := r.logger.With().
		Int64("entry_id", e.ID).
		Str("patient_id", e.PatientID.String()).
		Str("kind", string(e.Kind)).
		Logger()

	// Entries still queued when the relay stops go back untouched.
	if ctx.Err() != nil {
		r.interrupt(ctx, e, log)
		return
	}
	if err := r.repo.Touch(ctx, e, r.now()); err != nil {
		if errors.Is(err, ErrClaimLost) {
			log.Warn().Msg("claim expired while queued, skipping dispatch")
		} else {
			log.Error().Err(err).Msg("failed to start outbox dispatch")
		}
		span.RecordError(err)
		return
	}

	start := time.Now()
	dispatchErr := r.dispatch(ctx, e)
	elapsed := time.Since(start).Seconds()

	finishCtx, cancel := r.finishContext(ctx)
	defer cancel()
	now := r.now()

	if dispatchErr == nil {
		e.Attempts++
		dispatchSeconds.WithLabelValues(string(e.Kind), "delivered").Observe(elapsed)
		if err := r.repo.Complete(finishCtx, e, now); err != nil {
			log.Error().Err(err).Msg("failed to mark outbox entry done")
			return
		}
		deliveredTotal.WithLabelValues(string(e.Kind)).Inc()
		log.Debug().Int("attempts", e.Attempts).Msg("outbox entry delivered")
		return
	}

	span.RecordError(dispatchErr)
	span.SetStatus(codes.Error, dispatchErr.Error())

	// A relay shutting down gives the entry back without spending an attempt.
	if ctx.Err() != nil {
		dispatchSeconds.WithLabelValues(string(e.Kind), "interrupted").Observe(elapsed)
		r.interrupt(ctx, e, log)
		return
	}

	e.Attempts++
	reason := dispatchErr.Error()

	if errors.Is(dispatchErr, ErrRejected) || e.Attempts >= r.cfg.MaxAttempts {
		if !errors.Is(dispatchErr, ErrRejected) {
			reason = fmt.Sprintf("max attempts (%d) reached: %s", r.cfg.MaxAttempts, reason)
		}
		dispatchSeconds.WithLabelValues(string(e.Kind), "dead").Observe(elapsed)
		if err := r.repo.Bury(finishCtx, e, reason, now); err != nil {
			log.Error().Err(err).Msg("failed to mark outbox entry dead")
			return
		}
		deadTotal.WithLabelValues(string(e.Kind)).Inc()
		log.Error().Int("attempts", e.Attempts).Str("reason", reason).Msg("outbox entry is dead and needs operator attention")
		return
	}

	delay := Backoff(e.Attempts, r.cfg.BackoffBase, r.cfg.BackoffMax, r.cfg.BackoffJitter, r.random())
	dispatchSeconds.WithLabelValues(string(e.Kind), "retry").Observe(elapsed)
	if err := r.repo.Reschedule(finishCtx, e, now.Add(delay), reason, now); err != nil {
		log.Error().Err(err).Msg("failed to reschedule outbox entry")
		return
	}
	retriedTotal.WithLabelValues(string(e.Kind)).Inc()
	log.Warn().Err(dispatchErr).
		Int("attempts", e.Attempts).
		Dur("retry_in", delay).
		Msg("outbox dispatch failed, retry scheduled")
}

// finishContext outlives ctx so the status write lands during shutdown.
func (r *Relay) finishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), FinishTimeout)
}

func (r *Relay) interrupt(ctx context.Context, e *Entry, log zerolog.Logger) {
	finishCtx, cancel := r.finishContext(ctx)
	defer cancel()
	now := r.now()
	if err := r.repo.Reschedule(finishCtx, e, now, "relay stopped during dispatch", now); err != nil {
		log.Error().Err(err).Msg("failed to release interrupted outbox entry")
	}
}

// dispatch runs one delivery under the per-attempt timeout. When the timeout
// fires the call is abandoned and keeps running in the background until the
// downstream client honours the cancelled context.
func (r *Relay) dispatch(ctx context.Context, e *Entry) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.DispatchTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("%w: dispatch panicked: %v", ErrUnavailable, p)
			}
		}()
		done <- r.deliver(ctx, e)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: dispatch timed out after %s", ErrUnavailable, r.cfg.DispatchTimeout)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
}

func (r *Relay) deliver(ctx context.Context, e *Entry) error {
	switch e.Kind {
	case KindProvisionBilling:
		var p BillingPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("%w: decode billing payload: %v", ErrRejected, err)
		}
		return r.billing.Provision(ctx, e.PatientID, p.Name, p.Email)

	case KindPublishEvent:
		var p EventPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("%w: decode event payload: %v", ErrRejected, err)
		}
		return r.events.Publish(ctx, LifecycleEvent{
			EventID:    e.EventID(),
			PatientID:  e.PatientID,
			EventType:  p.EventType,
			OccurredAt: p.OccurredAt,
			Snapshot:   p.Snapshot,
		})

	default:
		return fmt.Errorf("%w: unknown entry kind %q", ErrRejected, e.Kind)
	}
}

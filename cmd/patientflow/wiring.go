package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/patientflow/internal/config"
	"github.com/ehr/patientflow/internal/domain/patient"
	"github.com/ehr/patientflow/internal/platform/billing"
	"github.com/ehr/patientflow/internal/platform/db"
	"github.com/ehr/patientflow/internal/platform/events"
	"github.com/ehr/patientflow/internal/platform/memstore"
	"github.com/ehr/patientflow/internal/platform/outbox"
)

// stores groups the repositories of one storage backend.
type stores struct {
	patients patient.Repository
	outbox   outbox.Repository
	tx       db.Transactor
	pool     *pgxpool.Pool
}

func (s *stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logger.Warn().Msg("using in-memory store; data is lost on exit")
		mem := memstore.New()
		return &stores{patients: mem.Patients(), outbox: mem.Outbox(), tx: mem}, nil

	case config.StoreDriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
		return &stores{
			patients: patient.NewRepo(pool),
			outbox:   outbox.NewRepo(pool),
			tx:       db.NewTransactor(pool),
			pool:     pool,
		}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func relayConfig(r config.Relay) outbox.RelayConfig {
	return outbox.RelayConfig{
		Workers:         r.Workers,
		BatchSize:       r.BatchSize,
		PollInterval:    r.PollInterval,
		DispatchTimeout: r.DispatchTimeout,
		ClaimTTL:        r.ClaimTTL,
		MaxAttempts:     r.MaxAttempts,
		BackoffBase:     r.BackoffBase,
		BackoffMax:      r.BackoffMax,
		BackoffJitter:   r.BackoffJitter,
		DoneRetention:   r.DoneRetention,
		CleanupInterval: r.CleanupInterval,
	}
}

// downstreams holds the relay's delivery targets and their cleanup.
type downstreams struct {
	billing *billing.Client
	events  outbox.Publisher
	nats    *events.Conn
}

func (d *downstreams) Close() {
	if d.billing != nil {
		_ = d.billing.Close()
	}
	if d.nats != nil {
		d.nats.Close()
	}
}

func openDownstreams(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*downstreams, error) {
	client, err := billing.Dial(cfg.BillingGRPCAddr, billing.BreakerConfig{
		ConsecutiveFailures: cfg.BillingBreakerFailures,
		OpenTimeout:         cfg.BillingBreakerTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	d := &downstreams{billing: client}

	if cfg.NATSURL == "" {
		logger.Warn().Msg("NATS_URL is empty; lifecycle events go to the log")
		d.events = events.NewLogPublisher(logger)
		return d, nil
	}

	conn, err := events.Connect(cfg.NATSURL, "patientflow", logger)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.nats = conn
	if err := events.EnsureStream(ctx, conn.JS, cfg.EventStream, cfg.EventSubjectPrefix, cfg.EventDuplicateWindow); err != nil {
		d.Close()
		return nil, err
	}
	d.events = events.NewJetStreamPublisher(conn.JS, cfg.EventSubjectPrefix, cfg.EventStream, logger)
	return d, nil
}

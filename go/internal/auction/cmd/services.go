package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/auctionhouse/go/internal/auction/archive"
	archivedb "github.com/mcdev12/auctionhouse/go/internal/auction/archive/db"
	"github.com/mcdev12/auctionhouse/go/internal/auction/gateway"
	"github.com/mcdev12/auctionhouse/go/internal/auction/identity"
	"github.com/mcdev12/auctionhouse/go/internal/auction/listing"
	"github.com/mcdev12/auctionhouse/go/internal/auction/outbox"
	"github.com/mcdev12/auctionhouse/go/internal/auction/registry"
	"github.com/mcdev12/auctionhouse/go/internal/auction/rpc"
	"github.com/mcdev12/auctionhouse/go/internal/auction/schema"
	"github.com/mcdev12/auctionhouse/go/internal/dbconfig"
	"github.com/mcdev12/auctionhouse/go/internal/models"
)

type Services struct {
	Registry *registry.Registry
	Gateway  *gateway.Service
	RPC      *rpc.Service
	Emitter  *outbox.Emitter         // nil without a database
	Consumer *listing.EventConsumer // nil unless listing events are consumed

	closers []func()
}

// Close releases the databases and bus connections, after the registry has stopped.
func (s *Services) Close() {
	s.Registry.Close()
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// memoryScheduler records scheduled auctions in the in-memory listing so rooms can be loaded
// again after eviction.
type memoryScheduler struct {
	*registry.Registry
	store *listing.MemoryStore
}

func (m memoryScheduler) Schedule(ctx context.Context, a models.Auction) error {
	m.store.Put(a)
	return m.Registry.Schedule(ctx, a)
}

func setupDatabase(ctx context.Context) (*sql.DB, *pgxpool.Pool, error) {
	cfg := dbconfig.NewConfigFromEnv()
	dsn := cfg.DSN()

	database, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	cfg.ApplyPool(database)
	if err := database.PingContext(ctx); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := schema.Apply(ctx, database); err != nil {
		database.Close()
		return nil, nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}

	log.Info().
		Str("user", cfg.User).
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Msg("connected to database")
	return database, pool, nil
}

func setupResolver(config *Config) identity.Resolver {
	var chain identity.Chain
	if len(config.Identity.Tokens) > 0 {
		chain = append(chain, identity.NewTokenResolver(config.Identity.Tokens))
	}
	if config.Identity.Header != "" || len(chain) == 0 {
		chain = append(chain, identity.NewHeaderResolver(config.Identity.Header))
	}
	return chain
}

func setupServices(ctx context.Context, config *Config) (*Services, error) {
	// Wire up dependency injection chain
	// Gateway (broadcaster) → Registry (rooms) → Gateway handlers, RPC, listing consumer
	s := &Services{}
	clock := clockwork.NewRealClock()

	s.Gateway = gateway.NewService(config.gatewayConfig(), clock)

	deps := registry.Deps{
		Clock:       clock,
		Broadcaster: s.Gateway.Broadcaster(),
		Metrics:     registry.PrometheusMetrics("auctionhouse"),
	}

	var memStore *listing.MemoryStore
	switch config.Storage {
	case "memory":
		memStore = listing.NewMemoryStore()
		deps.Listing = memStore
		log.Warn().Msg("running without a database: results are not persisted")

	default:
		database, pool, err := setupDatabase(ctx)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { database.Close() }, pool.Close)

		deps.Listing = listing.NewPostgresStore(pool)

		outboxApp := outbox.NewApp(outbox.NewRepository(database))
		s.Emitter = outbox.NewEmitter(outboxApp, config.Outbox.EmitQueue)
		deps.Results = outboxApp
		deps.Events = s.Emitter
		archiveRepo := archive.NewRepository(archivedb.New(database))
		deps.Archiver = archiveRepo
		deps.Recorded = registry.ResultLookups{outboxApp, archiveRepo}
	}

	s.Registry = registry.New(config.registryConfig(), deps)

	var engine rpc.Engine = s.Registry
	var scheduler listing.Scheduler = s.Registry
	if memStore != nil {
		ms := memoryScheduler{Registry: s.Registry, store: memStore}
		engine, scheduler = ms, ms
	}
	s.RPC = rpc.NewService(engine)
	s.Gateway.Attach(s.Registry, setupResolver(config))

	if config.Listing.ConsumeEvents {
		cfg := listing.DefaultConsumerConfig()
		cfg.URL = getEnv("NATS_URL", cfg.URL)
		if config.Listing.Stream != "" {
			cfg.StreamName = config.Listing.Stream
		}
		consumer, err := listing.NewEventConsumer(scheduler, cfg)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to create listing consumer: %w", err)
		}
		s.Consumer = consumer
		s.closers = append(s.closers, func() {
			if err := consumer.Stop(); err != nil {
				log.Error().Err(err).Msg("failed to stop listing consumer")
			}
		})
	}

	return s, nil
}

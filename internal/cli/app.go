package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/akylbek/credit-system/authorization-orchestrator/internal/config"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/connector"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/interfaces"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/notify"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/repository"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/service"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/telemetry"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/webhook"
	"github.com/akylbek/credit-system/authorization-orchestrator/internal/worker"
)

type migrator interface {
	Migrate(ctx context.Context) error
}

// app holds every wired component and the resources to release on exit.
type app struct {
	cfg *config.Config

	store        interfaces.FlowStore
	migrator     migrator
	proposals    interfaces.ProposalDirectory
	orchestrator *service.Orchestrator
	ingestor     *webhook.Ingestor
	reconciler   *worker.Reconciler
	consumer     *webhook.Consumer

	closers []func() error
}

// openStore connects the configured flow store only; migrate and reconcile need nothing else.
func openStore(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, proposals: repository.StaticProposalDirectory{}}

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		repo := repository.NewFlowRepository(db)
		a.store, a.migrator = repo, repo
		if cfg.ProposalTable != "" {
			a.proposals = repository.NewProposalRepository(db, cfg.ProposalTable)
		}

	case config.DriverMySQL, config.DriverSQLite:
		gdb, err := repository.OpenGorm(cfg.StoreDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if sqlDB, err := gdb.DB(); err == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}
		store := repository.NewGormFlowStore(gdb)
		a.store, a.migrator = store, store
		if cfg.ProposalTable != "" {
			a.proposals = repository.NewGormProposalDirectory(gdb, cfg.ProposalTable)
		}

	case config.DriverMemory:
		telemetry.Logger.Warn("Using in-memory flow store; flows are lost on restart")
		a.store = repository.NewMemoryFlowStore()
	}

	return a, nil
}

// buildApp wires the full service on top of openStore.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	if a.migrator != nil {
		if err := a.migrator.Migrate(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate flow store: %w", err)
		}
	}

	var nc *nats.Conn
	if cfg.NatsURL != "" {
		nc, err = nats.Connect(cfg.NatsURL, nats.Name("authorization-orchestrator"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		a.closers = append(a.closers, func() error { nc.Close(); return nil })
	}

	registry, err := buildRegistry(cfg, nc)
	if err != nil {
		a.Close()
		return nil, err
	}

	sinks := notify.Multi{notify.LogNotifier{}}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaWriter := &kafka.Writer{
			Addr:     kafka.TCP(cfg.KafkaBrokers...),
			Topic:    cfg.FlowEventsTopic,
			Balancer: &kafka.Hash{},
		}
		a.closers = append(a.closers, kafkaWriter.Close)
		sinks = append(sinks, notify.NewKafkaNotifier(kafkaWriter))
	}

	a.orchestrator = service.NewOrchestrator(a.store, registry, a.proposals, sinks, service.Config{
		MaxSubmitAttempts: cfg.MaxSubmitAttempts,
		InitialBackoff:    cfg.InitialBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		MaxCASRetries:     cfg.MaxCASRetries,
		SupportedBanks:    cfg.SupportedBanks,
	})

	var dedup webhook.Deduplicator
	if cfg.RedisURL != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		a.closers = append(a.closers, redisClient.Close)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			telemetry.Logger.Warn("Redis unreachable; webhook dedup degrades to store idempotency", zap.Error(err))
		}
		dedup = webhook.NewRedisDeduplicator(redisClient, cfg.EventDedupTTL)
	}
	a.ingestor = webhook.NewIngestor(webhook.NewVerifier(cfg.WebhookSecrets, cfg.WebhookMaxSkew), a.orchestrator, dedup)

	if cfg.BankEventsEnable && len(cfg.KafkaBrokers) > 0 {
		reader := webhook.NewKafkaReader(cfg.KafkaBrokers, cfg.BankEventsTopic, cfg.BankEventsGroup)
		a.consumer = webhook.NewConsumer(reader, a.ingestor)
	}

	a.reconciler = newReconciler(a)
	return a, nil
}

func newReconciler(a *app) *worker.Reconciler {
	return worker.NewReconciler(a.store, a.orchestrator, worker.ReconcilerConfig{
		Interval:            a.cfg.ReconcileInterval,
		BatchSize:           a.cfg.ReconcileBatchSize,
		BankResponseTimeout: a.cfg.BankResponseTimeout,
		SubmissionTimeout:   a.cfg.SubmissionTimeout,
	})
}

// buildRegistry serves sandbox banks in process and every other supported bank
// through the NATS gateway.
func buildRegistry(cfg *config.Config, nc *nats.Conn) (*connector.Registry, error) {
	sandbox := make(map[string]bool, len(cfg.SandboxBanks))
	for _, b := range cfg.SandboxBanks {
		sandbox[b] = true
	}

	var conns []interfaces.BankConnector
	var missing []string
	for _, bank := range cfg.SupportedBanks {
		switch {
		case sandbox[bank]:
			conns = append(conns, connector.Instrument(connector.NewSandboxConnector(bank)))
		case nc != nil:
			conns = append(conns, connector.Instrument(connector.NewNATSConnector(nc, bank, cfg.ConnectorTimeout)))
		default:
			missing = append(missing, bank)
		}
	}

	if len(conns) == 0 {
		return nil, errors.New("no bank connectors: set NATS_URL or SANDBOX_BANKS")
	}
	if len(missing) > 0 {
		telemetry.Logger.Warn("Banks without connector are not offered", zap.Strings("banks", missing))
	}
	return connector.NewRegistry(conns...), nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			telemetry.Logger.Warn("Error releasing resource", zap.Error(err))
		}
	}
	a.closers = nil
}

package infrastructure

import (
	"context"
	"log/slog"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"fundage/internal/config"
	"fundage/internal/integrity"
	"fundage/internal/lock"
	"fundage/internal/recompute"
	"fundage/internal/repository"
	"fundage/internal/service"
	transportGRPC "fundage/internal/transport/grpc"
	transportHTTP "fundage/internal/transport/http"
	transportNATS "fundage/internal/transport/nats"
	"fundage/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the
// application. Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}
	log := slog.Default()

	db, err := connectPostgres(cfg.DSN())
	if err != nil {
		return nil, nil, err
	}

	rdb, err := connectRedis(cfg.RedisAddr())
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	var cleanupFns []func()
	cleanupFns = append(cleanupFns, func() {
		db.Close()
		_ = rdb.Close()
	})

	store := repository.New(db)
	locks := lock.NewService(rdb, cfg.LockPolicies())
	engine := recompute.NewEngine(recomputeStore{store}, locks, cfg.LockPolicies().Recompute, log)

	// Bus is optional; without NATS the ledger just doesn't publish.
	var bus service.Publisher
	nc, err := connectNats(cfg.NatsAddr())
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	if nc != nil {
		bus = transportNATS.NewBus(nc)
		cleanupFns = append(cleanupFns, nc.Close)
	}

	svc := service.NewLedger(ledgerStore{store}, locks, engine, bus, log)
	checker := integrity.NewChecker(store.Queries(), svc, integrity.Config{
		ToleranceMinor: cfg.IntegrityTolerance,
		AutoRepair:     cfg.IntegrityAutoRepair,
	}, log)
	svc.SetChecker(checker)

	workers := river.NewWorkers()
	river.AddWorker(workers, worker.NewRecomputeWorker(engine, log))
	river.AddWorker(workers, worker.NewIntegritySweepWorker(checker, log))

	riverClient, err := river.NewClient(riverpgxv5.New(db), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.JobWorkers},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(cfg.IntegritySweepEvery),
				func() (river.JobArgs, *river.InsertOpts) {
					return worker.IntegritySweepArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: false},
			),
		},
	})
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	engine.WithEnqueuer(worker.NewJobs(riverClient))

	servers := []Server{worker.NewServer(riverClient)}
	if nc != nil {
		servers = append(servers, transportNATS.NewHandler(svc, nc))
	}
	servers = append(servers, transportGRPC.NewServer(cfg.GRPCAddr()))
	if addr, apiErr := cfg.ApiAddr(); apiErr == nil {
		servers = append(servers, transportHTTP.NewServer(addr, svc))
	}

	return NewApp(servers), runCleanup(cleanupFns), nil
}

// ledgerStore narrows the repository to the surface the ledger service
// declares it needs.
type ledgerStore struct {
	store *repository.Store
}

func (s ledgerStore) InTx(ctx context.Context, fn func(tx service.Tx) error) error {
	return s.store.InTx(ctx, func(q *repository.Queries) error {
		return fn(q)
	})
}

func (s ledgerStore) Queries() service.Tx { return s.store.Queries() }

// recomputeStore narrows the repository transaction scope to what the
// recompute engine declares it needs.
type recomputeStore struct {
	store *repository.Store
}

func (s recomputeStore) InTx(ctx context.Context, fn func(tx recompute.Tx) error) error {
	return s.store.InTx(ctx, func(q *repository.Queries) error {
		return fn(q)
	})
}

// runCleanup returns a single function that calls all cleanup functions in
// reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}

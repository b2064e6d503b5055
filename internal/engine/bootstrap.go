package engine

import (
	"context"
	"errors"
	"fmt"

	"dsforge/internal/config"
	"dsforge/internal/events"
	"dsforge/internal/imaging"
	"dsforge/internal/logging"
	"dsforge/internal/manipulator"
	"dsforge/internal/materialize"
	"dsforge/internal/pipeline"
	"dsforge/internal/plan"
	"dsforge/internal/storage"
	"dsforge/internal/store"
	"dsforge/internal/telemetry"
	"dsforge/sink"
	srckafka "dsforge/source/kafka"
)

// Bootstrap builds every component from cfg. Nothing listens until Run.
func Bootstrap(ctx context.Context, cfg config.Engine) (*Engine, error) {
	log := logging.L()
	metrics := telemetry.Default()
	layout := cfg.Storage.Layout()

	// 1. dataset storage
	st, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	// 2. metadata store
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	// 3. event sinks
	sinks, err := openSinks(cfg.Events)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("events: %w", err)
	}
	pub := events.NewPublisher(cfg.Events.ProgressEvery, metrics, sinks...)

	// 4. planning and materialization
	builder := plan.NewBuilder(manipulator.BuiltinCatalog(), manipulator.Builtins(), plan.WithLayout(layout))
	policy, err := materialize.ParsePolicy(cfg.Executor.Policy)
	if err != nil {
		pub.Close()
		db.Close()
		return nil, err
	}
	mat := materialize.New(imaging.NewExecutor(st),
		materialize.WithWorkers(cfg.Executor.Workers),
		materialize.WithPolicy(policy),
		materialize.WithMetrics(metrics))
	runner := pipeline.NewRunner(db, st, builder, mat,
		pipeline.WithLayout(layout),
		pipeline.WithMetrics(metrics),
		pipeline.WithObserver(pub.Observe))

	// 5. scheduling
	sched := NewScheduler(runner, db, cfg.Executor.RunWorkers, cfg.Executor.QueueSize)

	e := &Engine{cfg: cfg, db: db, publisher: pub, sched: sched, metrics: metrics}

	// 6. optional intake topic
	if cfg.Intake.Kafka.Enabled {
		a, err := srckafka.NewAdapter(cfg.Intake.Driver)
		if err == nil {
			err = a.Configure(cfg.Intake.Kafka)
		}
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("intake: %w", err)
		}
		e.intake = NewIntake(a, sched, metrics)
	}

	log.Info("engine bootstrapped",
		"storage", cfg.Storage.Backend, "database", cfg.Database.Path,
		"sinks", cfg.Events.Sinks, "policy", policy, "intake", cfg.Intake.Kafka.Enabled)
	return e, nil
}

func openStorage(ctx context.Context, cfg config.Storage) (storage.Storage, error) {
	switch cfg.Backend {
	case "s3":
		return storage.NewS3(ctx, cfg.S3)
	case "local", "":
		return storage.NewLocal(cfg.BasePath)
	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
}

func openSinks(cfg config.Events) ([]events.Named, error) {
	var out []events.Named
	for _, name := range cfg.Sinks {
		a, err := sink.NewAdapter(name)
		if err != nil {
			return nil, closeSinks(out, err)
		}
		var sc any
		switch name {
		case "stdout":
			sc = cfg.Stdout
		case "kafka":
			sc = cfg.Kafka
		}
		if err := a.Configure(sc); err != nil {
			return nil, closeSinks(out, fmt.Errorf("sink %s: %w", name, err))
		}
		out = append(out, events.Named{Name: name, Adapter: a})
	}
	return out, nil
}

func closeSinks(sinks []events.Named, cause error) error {
	errs := []error{cause}
	for _, s := range sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/health-dataset-builder/internal/build"
	"github.com/sells-group/health-dataset-builder/internal/connector"
	"github.com/sells-group/health-dataset-builder/internal/ledger"
	"github.com/sells-group/health-dataset-builder/internal/registry"
	"github.com/sells-group/health-dataset-builder/internal/scheduler"
	"github.com/sells-group/health-dataset-builder/internal/warehouse"
)

// buildEnv holds the builder and the resources it owns.
type buildEnv struct {
	Registry *registry.Registry
	Ledger   *ledger.Ledger
	Builder  *build.Builder
	pool     *pgxpool.Pool
}

// Close releases resources held by the build environment.
func (e *buildEnv) Close() {
	if e.pool != nil {
		e.pool.Close()
	}
	if e.Ledger != nil {
		_ = e.Ledger.Close()
	}
}

// Scheduler returns a continuous scheduler driving this environment's builder.
func (e *buildEnv) Scheduler() *scheduler.Scheduler {
	return scheduler.New(e.Registry, cfg.Paths.ManifestDir, e.Builder, cfg.Continuous.FailureThreshold)
}

// initBuild validates config for mode, loads the registry, opens the run
// ledger and the optional warehouse, and wires the builder. Callers should
// defer env.Close().
func initBuild(ctx context.Context, mode string) (*buildEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	reg, err := registry.Load(cfg.Paths.RegistryPath)
	if err != nil {
		return nil, err
	}

	led, err := ledger.Open(ctx, cfg.Ledger.Path)
	if err != nil {
		return nil, err
	}
	env := &buildEnv{Registry: reg, Ledger: led}

	opts := []build.Option{
		build.WithLedger(led),
		build.WithTimeout(cfg.Build.Timeout()),
	}

	if cfg.Warehouse.Enabled() {
		pool, err := warehouse.Connect(ctx, cfg.Warehouse.DatabaseURL)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.pool = pool
		loader := warehouse.NewLoader(pool, cfg.Warehouse.Schema)
		if err := loader.Migrate(ctx); err != nil {
			env.Close()
			return nil, eris.Wrap(err, "migrate warehouse")
		}
		opts = append(opts, build.WithWarehouse(loader))
		zap.L().Info("warehouse load enabled", zap.String("table", loader.QualifiedTable()))
	}

	factory := connector.NewFactory(connector.OptionsFromConfig(cfg.Paths.CacheDir, cfg.Fetch))
	env.Builder = build.New(cfg.Paths, reg, factory, opts...)
	return env, nil
}

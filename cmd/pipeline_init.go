package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/trainset/internal/model"
	"github.com/sells-group/trainset/internal/monitoring"
	"github.com/sells-group/trainset/internal/pipeline"
	"github.com/sells-group/trainset/internal/registry"
	"github.com/sells-group/trainset/internal/source"
	"github.com/sells-group/trainset/internal/store"
	"github.com/sells-group/trainset/internal/surface"
)

// pipelineEnv holds the store, registries, metrics, and the pipeline needed
// by the assemble command.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	Fields   *model.FieldRegistry
	Metrics  *monitoring.Metrics

	closePool func()
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.closePool != nil {
		pe.closePool()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates config, opens the store, loads the field and regime
// registries, and builds the Pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fields, err := registry.LoadFieldsFromFile(cfg.Assemble.FieldsFile)
	if err != nil {
		return nil, err
	}
	regimes, err := registry.LoadRegimesFromFile(cfg.Assemble.RegimesFile)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{Store: st, Fields: fields, Metrics: monitoring.NewMetrics()}

	pool, closePool, err := sourcePool(ctx, st, cfg.Sources.List)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.closePool = closePool

	adapters, err := source.Build(cfg.Sources.List, pool)
	if err != nil {
		env.Close()
		return nil, err
	}
	collector := source.NewCollector(adapters, cfg.Sources.Collector(cfg.Retry)).
		WithObserver(env.Metrics.ObserveFetch)

	p, err := pipeline.New(pipeline.Deps{
		Store:      st,
		Collector:  collector,
		Fields:     fields,
		Regimes:    *regimes,
		Thresholds: cfg.Quality,
		Surface: surface.Config{
			OutputDir:   cfg.Assemble.OutputDir,
			LockTimeout: cfg.Assemble.LockTimeout(),
		},
		Metrics: env.Metrics,
	})
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Pipeline = p

	zap.L().Debug("pipeline initialized",
		zap.Int("fields", len(fields.Names())),
		zap.Int("sources", len(adapters)),
		zap.String("store", cfg.Store.Driver),
	)
	return env, nil
}

// Package pipeline defines the concrete pipelines: each binds the stage ids
// declared in configuration to handlers built from the shared adapters
// (HTTP client, scraper, CSV fetcher, Postgres sink). Per-pipeline constants
// such as bin edges, score weights and entity lists live here, not in
// runtime configuration.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/datajourney/etl/config"
	"github.com/datajourney/etl/extract"
	"github.com/datajourney/etl/load"
	"github.com/datajourney/etl/runner"
	"github.com/datajourney/etl/table"
	"github.com/datajourney/etl/utils"
)

// Deps carries everything a pipeline needs for one run. OpenSink is a
// factory so the database connection's lifetime is scoped to the load stage
// rather than a process-wide singleton.
type Deps struct {
	Config   *config.Config
	Logger   *slog.Logger
	Client   *extract.Client
	OpenSink func(ctx context.Context) (load.Sink, error)
	Clock    utils.TimeProvider
}

// NewDeps wires the default production dependencies.
func NewDeps(cfg *config.Config, logger *slog.Logger) *Deps {
	return &Deps{
		Config: cfg,
		Logger: logger,
		Client: extract.NewClient(cfg, logger),
		OpenSink: func(ctx context.Context) (load.Sink, error) {
			return load.Connect(ctx, logger)
		},
		Clock: utils.RealTimeProvider{},
	}
}

type builder func(deps *Deps, r *runner.Runner)

var builders = map[string]builder{
	"pokemon_data":       registerPokemon,
	"crypto_market":      registerCryptoMarket,
	"crypto_prices":      registerCryptoPrices,
	"weather_analytics":  registerWeather,
	"hackernews_scraper": registerHackerNews,
	"network_traffic":    registerNetworkTraffic,
}

// IDs lists the pipeline ids this binary can run.
func IDs() []string {
	ids := make([]string, 0, len(builders))
	for id := range builders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run executes the pipeline with the given id. The returned error covers
// configuration problems only; stage failures are reported on the Summary.
func Run(ctx context.Context, deps *Deps, id string) (*runner.Summary, error) {
	cfg, err := deps.Config.Pipeline(id)
	if err != nil {
		return nil, err
	}
	build, ok := builders[id]
	if !ok {
		return nil, fmt.Errorf("no pipeline implementation registered for %q", id)
	}

	r := runner.New(deps.Logger)
	build(deps, r)
	return r.Run(ctx, cfg), nil
}

// Method expressions so load handlers can share runLoad across the two sink
// variants.
var (
	sinkReplace      = load.Sink.Replace
	sinkAppendUnique = load.Sink.AppendUnique
)

// loadReplace returns a load-stage handler that persists the named dataset
// with drop-and-recreate semantics.
func loadReplace(deps *Deps, dataset string) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		return runLoad(ctx, deps, run, stage, dataset, sinkReplace)
	}
}

// loadAppendUnique returns a load-stage handler using the
// insert-with-conflict-ignore sink variant.
func loadAppendUnique(deps *Deps, dataset string) runner.Handler {
	return func(ctx context.Context, run *runner.Run, stage config.Stage) runner.Result {
		return runLoad(ctx, deps, run, stage, dataset, sinkAppendUnique)
	}
}

func runLoad(
	ctx context.Context,
	deps *Deps,
	run *runner.Run,
	stage config.Stage,
	dataset string,
	write func(load.Sink, context.Context, *table.Table, config.Destination) (int64, error),
) runner.Result {
	t, err := run.MustGet(dataset)
	if err != nil {
		return runner.Fail(err)
	}

	sink, err := deps.OpenSink(ctx)
	if err != nil {
		return runner.Fail(err)
	}
	defer sink.Close(ctx)

	n, err := write(sink, ctx, t, *stage.Destination)
	if err != nil {
		return runner.Fail(err)
	}
	return runner.OK(int(n))
}

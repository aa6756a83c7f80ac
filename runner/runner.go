// Package runner executes a declarative pipeline configuration: each stage
// descriptor is dispatched, in declared order, to the handler registered for
// its stage id. The run fails fast on the first failed stage; per-stage
// wall-clock timings are recorded for observability only.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/datajourney/etl/config"
	"github.com/datajourney/etl/table"
	"github.com/google/uuid"
)

// State of a pipeline run. There is no pause or resume; a started run either
// completes or fails.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Handler is a stage body. It reads and writes datasets on the Run and
// reports its outcome as a typed Result.
type Handler func(ctx context.Context, run *Run, stage config.Stage) Result

// Run is the mutable context of one pipeline run. It exclusively owns the
// datasets produced so far; nothing here is shared across concurrent runs.
type Run struct {
	ID     string
	tables map[string]*table.Table
}

func newRun() *Run {
	return &Run{
		ID:     uuid.NewString(),
		tables: make(map[string]*table.Table),
	}
}

// Put stores a named dataset, superseding any previous one under that name.
func (r *Run) Put(name string, t *table.Table) {
	r.tables[name] = t
}

func (r *Run) Get(name string) (*table.Table, bool) {
	t, ok := r.tables[name]
	return t, ok
}

// MustGet returns a dataset an earlier stage is contracted to have produced,
// or an error suitable for failing the stage.
func (r *Run) MustGet(name string) (*table.Table, error) {
	t, ok := r.tables[name]
	if !ok {
		return nil, fmt.Errorf("dataset %q not produced by an earlier stage", name)
	}
	return t, nil
}

// Summary reports the outcome of a run. The runner never lets a stage error
// escape; the caller inspects Summary and decides the process exit code.
type Summary struct {
	RunID       string
	PipelineID  string
	State       State
	Degraded    bool
	Executed    []string
	Timings     map[string]time.Duration
	FailedStage string
	Err         error
	FinalRows   int
	Elapsed     time.Duration
}

func (s *Summary) Completed() bool {
	return s.State == StateCompleted
}

// Runner dispatches stage descriptors to registered handlers.
type Runner struct {
	logger   *slog.Logger
	handlers map[string]Handler
}

func New(logger *slog.Logger) *Runner {
	return &Runner{
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a stage id. Registering the same id twice is a
// programming error and panics during pipeline construction, not mid-run.
func (r *Runner) Register(stageID string, h Handler) {
	if _, dup := r.handlers[stageID]; dup {
		panic(fmt.Sprintf("handler already registered for stage_id %q", stageID))
	}
	r.handlers[stageID] = h
}

// Run executes every stage of cfg in declared order and returns a summary.
// It does not return an error and does not panic past this boundary.
func (r *Runner) Run(ctx context.Context, cfg *config.PipelineConfig) *Summary {
	run := newRun()
	sum := &Summary{
		RunID:      run.ID,
		PipelineID: cfg.ID,
		State:      StateRunning,
		Timings:    make(map[string]time.Duration, len(cfg.Stages)),
	}
	log := r.logger.With("pipeline_id", cfg.ID, "run_id", run.ID)
	log.Info("starting pipeline", "name", cfg.Name, "stages", len(cfg.Stages))

	start := time.Now()
	for _, stage := range cfg.Stages {
		res := r.runStage(ctx, log, run, stage)
		sum.Executed = append(sum.Executed, stage.StageID)
		sum.Timings[stage.StageID] = res.elapsed

		switch res.Status {
		case StatusOK:
			log.Info("stage completed",
				"stage_id", stage.StageID, "rows", res.Rows, "elapsed_ms", res.elapsed.Milliseconds())
			sum.FinalRows = res.Rows
		case StatusDegraded:
			sum.Degraded = true
			log.Warn("stage completed in degraded mode",
				"stage_id", stage.StageID, "rows", res.Rows, "note", res.Note,
				"elapsed_ms", res.elapsed.Milliseconds())
			sum.FinalRows = res.Rows
		case StatusFailed:
			sum.State = StateFailed
			sum.FailedStage = stage.StageID
			sum.Err = res.Err
			sum.Elapsed = time.Since(start)
			log.Error("pipeline failed",
				"stage_id", stage.StageID, "error", res.Err,
				"elapsed_ms", sum.Elapsed.Milliseconds())
			return sum
		}
	}

	sum.State = StateCompleted
	sum.Elapsed = time.Since(start)
	log.Info("pipeline completed",
		"elapsed_ms", sum.Elapsed.Milliseconds(), "final_rows", sum.FinalRows, "degraded", sum.Degraded)
	return sum
}

type stageResult struct {
	Result
	elapsed time.Duration
}

func (r *Runner) runStage(ctx context.Context, log *slog.Logger, run *Run, stage config.Stage) (out stageResult) {
	log.Info("starting stage",
		"stage_id", stage.StageID, "stage_name", stage.StageName, "stage_type", stage.StageType)

	start := time.Now()
	defer func() {
		out.elapsed = time.Since(start)
		if rec := recover(); rec != nil {
			out.Result = Failf("stage %s panicked: %v", stage.StageID, rec)
		}
	}()

	h, ok := r.handlers[stage.StageID]
	if !ok {
		out.Result = Fail(&UnknownStageError{StageID: stage.StageID})
		return out
	}

	out.Result = h(ctx, run, stage)
	return out
}

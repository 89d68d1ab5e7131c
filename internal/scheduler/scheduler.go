// Package scheduler drives an end-to-end update run: it plans the missing
// chunks for every selected series, interleaves them oldest-first across
// series, and pushes each one through the rate limiter, the remote fetch,
// and the chunk store commit.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/trade-engine/series-archiver/internal/archive"
	"github.com/trade-engine/series-archiver/internal/chunkfile"
	"github.com/trade-engine/series-archiver/internal/planner"
	"github.com/trade-engine/series-archiver/internal/ratelimit"
	"github.com/trade-engine/series-archiver/internal/remote"
	"github.com/trade-engine/series-archiver/pkg/schema"
)

// ProgressFunc is invoked before and after each fetch task.
type ProgressFunc func(schema.ProgressEvent)

// Config wires the orchestrator's collaborators.
type Config struct {
	Root    string
	Codec   *chunkfile.Codec
	Fetcher remote.Fetcher
	Limiter *ratelimit.Limiter
	Logger  *zap.Logger

	// Now is injectable for determinism in tests; defaults to time.Now.
	Now func() time.Time

	// Progress receives per-task events; may be nil.
	Progress ProgressFunc

	// PayloadEstimate sizes limiter requests per frequency; defaults to the
	// frequency's built-in size class.
	PayloadEstimate func(schema.Frequency) int64
}

// Orchestrator runs updates over a set of selected (series, frequency)
// pairs. Progress is always derived fresh from chunk store state, so a rerun
// after any interruption resumes exactly where the previous run stopped.
type Orchestrator struct {
	cfg Config
}

func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PayloadEstimate == nil {
		cfg.PayloadEstimate = func(f schema.Frequency) int64 {
			return f.DefaultPayloadEstimate()
		}
	}
	return &Orchestrator{cfg: cfg}
}

// Start launches an update run over the given selection and returns its
// handle immediately. Selection order is preserved within each time layer.
func (o *Orchestrator) Start(ctx context.Context, selection []schema.SeriesKey) *Run {
	waitCtx, cancelWait := context.WithCancel(ctx)
	run := &Run{
		id:         newRunID(),
		state:      schema.RunIdle,
		cancelWait: cancelWait,
		done:       make(chan struct{}),
		outcomes:   make(map[schema.SeriesKey]*Outcome),
	}

	go o.execute(ctx, waitCtx, run, selection)
	return run
}

// Outcome tallies per-task results for one series within a run.
type Outcome struct {
	Committed int
	Skipped   int
	Failed    int
}

type commitJob struct {
	store *archive.Store
	task  schema.Task
	rows  schema.Rows
}

func (o *Orchestrator) execute(ctx, waitCtx context.Context, run *Run, selection []schema.SeriesKey) {
	defer close(run.done)
	run.setRunning()

	now := o.cfg.Now().UTC()
	stores := make(map[schema.SeriesKey]*archive.Store, len(selection))
	perSeries := make(map[schema.SeriesKey][]schema.Task, len(selection))

	for _, key := range selection {
		store := archive.NewStore(o.cfg.Root, key, o.cfg.Codec, o.cfg.Logger)
		chunks, err := store.ListChunks()
		if err != nil {
			// Store errors are local to one series: log and move on, the
			// next run will pick it up again.
			o.cfg.Logger.Error("Failed to read archive state, skipping series",
				zap.String("series", key.String()),
				zap.Error(err))
			run.addOutcome(key, func(out *Outcome) { out.Skipped++ })
			continue
		}
		stores[key] = store
		perSeries[key] = planner.Plan(key, chunks, now)
	}

	ordered := mergeLayers(selection, perSeries)
	o.cfg.Logger.Info("Planned update run",
		zap.String("run_id", run.id),
		zap.Int("series", len(stores)),
		zap.Int("tasks", len(ordered)))

	// Commits run on their own goroutine so writing one chunk overlaps with
	// the rate limiter wait for the next fetch. Capacity 1 keeps at most two
	// pipeline stages in flight.
	commitCh := make(chan commitJob, 1)
	commitDone := make(chan struct{})
	go func() {
		defer close(commitDone)
		for job := range commitCh {
			o.commit(run, job)
		}
	}()

	var (
		cancelled bool
		fatalErr  error
	)

	for _, task := range ordered {
		// Cancellation is cooperative: observed only between tasks, so an
		// in-flight fetch always finishes and commits.
		if run.stopping() || ctx.Err() != nil {
			cancelled = true
			break
		}

		key := schema.SeriesKey{SeriesID: task.SeriesID, Frequency: task.Frequency}
		o.emit(progressEvent(task, schema.PhaseFetching, "", 0, nil))

		if err := o.cfg.Limiter.Acquire(waitCtx, o.cfg.PayloadEstimate(task.Frequency)); err != nil {
			if errors.Is(err, ratelimit.ErrQuotaExceeded) {
				o.cfg.Logger.Warn("Task cannot fit rate budget, skipping",
					zap.String("series", key.String()),
					zap.Time("range_start", task.Start))
				run.addOutcome(key, func(out *Outcome) { out.Skipped++ })
				o.emit(progressEvent(task, schema.PhaseSkipped, "", 0, err))
				continue
			}
			cancelled = true
			break
		}

		rows, err := o.cfg.Fetcher.Fetch(ctx, task.SeriesID, task.Frequency, task.Start, task.End)
		if err != nil {
			o.emit(progressEvent(task, schema.PhaseFailed, "", 0, err))
			if remote.IsFatal(err) {
				fatalErr = err
				break
			}
			o.cfg.Logger.Warn("Fetch failed, task skipped until next run",
				zap.String("series", key.String()),
				zap.Time("range_start", task.Start),
				zap.Error(err))
			run.addOutcome(key, func(out *Outcome) { out.Failed++ })
			continue
		}

		commitCh <- commitJob{store: stores[key], task: task, rows: rows}
	}

	close(commitCh)
	<-commitDone

	final := schema.RunCompleted
	switch {
	case fatalErr != nil:
		final = schema.RunFailed
	case cancelled:
		final = schema.RunCancelled
	}
	run.finish(final, fatalErr)

	o.cfg.Logger.Info("Update run finished",
		zap.String("run_id", run.id),
		zap.String("state", string(final)))
}

func (o *Orchestrator) commit(run *Run, job commitJob) {
	key := job.store.Key()
	chunk, err := job.store.Commit(job.task, job.rows, o.cfg.Now().UTC())
	if err != nil {
		o.cfg.Logger.Error("Commit failed, task skipped until next run",
			zap.String("series", key.String()),
			zap.Time("range_start", job.task.Start),
			zap.Error(err))
		run.addOutcome(key, func(out *Outcome) { out.Failed++ })
		o.emit(progressEvent(job.task, schema.PhaseFailed, "", 0, err))
		return
	}
	run.addOutcome(key, func(out *Outcome) { out.Committed++ })
	o.emit(progressEvent(job.task, schema.PhaseCommitted, chunk.Status, chunk.Rows, nil))
}

func (o *Orchestrator) emit(ev schema.ProgressEvent) {
	if o.cfg.Progress != nil {
		o.cfg.Progress(ev)
	}
}

func progressEvent(task schema.Task, phase schema.ProgressPhase, status schema.ChunkStatus, rows int64, err error) schema.ProgressEvent {
	ev := schema.ProgressEvent{
		SeriesID:  task.SeriesID,
		Frequency: task.Frequency,
		Start:     task.Start,
		End:       task.End,
		Phase:     phase,
		Status:    status,
		Rows:      rows,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// mergeLayers interleaves per-series task lists layer by layer: every
// series' earliest pending chunk is processed before any series' second
// earliest, so archives fill in roughly chronological lockstep. Within one
// layer the caller-provided selection order is kept.
func mergeLayers(selection []schema.SeriesKey, perSeries map[schema.SeriesKey][]schema.Task) []schema.Task {
	maxLen := 0
	for _, tasks := range perSeries {
		if len(tasks) > maxLen {
			maxLen = len(tasks)
		}
	}

	var ordered []schema.Task
	for layer := 0; layer < maxLen; layer++ {
		for _, key := range selection {
			if tasks, ok := perSeries[key]; ok && layer < len(tasks) {
				ordered = append(ordered, tasks[layer])
			}
		}
	}
	return ordered
}

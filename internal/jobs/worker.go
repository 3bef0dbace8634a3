package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"stem-separator/internal/domain"
	"stem-separator/internal/eta"
)

// Reporter is handed to a Processor for progress reporting and cooperative
// cancellation checks.
type Reporter interface {
	Emit(stage domain.Stage, percent float64, message string)
	ShouldCancel() bool
}

// Processor runs one separation synchronously. Implementations must consult
// ShouldCancel at each stage boundary and return domain.Cancelled() when it
// reports true. ctx is only cancelled when the controller shuts down.
type Processor interface {
	Process(ctx context.Context, spec domain.JobSpec, r Reporter) domain.Outcome
}

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc func(ctx context.Context, spec domain.JobSpec, r Reporter) domain.Outcome

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, spec domain.JobSpec, r Reporter) domain.Outcome {
	return f(ctx, spec, r)
}

// StageHistory supplies and records per-stage durations for time estimates.
type StageHistory interface {
	StageAverages(ctx context.Context, model string) (map[domain.Stage]float64, error)
	Record(ctx context.Context, model string, durations map[domain.Stage]float64) error
}

const historyTimeout = 2 * time.Second

// worker executes one job off the interactive goroutine and relays its
// progress through a ProgressChannel.
type worker struct {
	jobID     string
	spec      domain.JobSpec
	token     *Token
	gen       uint64
	channel   *ProgressChannel
	processor Processor
	history   StageHistory
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	start       time.Time
	tracker     *eta.Tracker
	lastPercent float64
	stage       domain.Stage
	stageStart  time.Time
	durations   map[domain.Stage]float64
}

// run executes the processor and always finishes with a terminal snapshot.
func (w *worker) run(ctx context.Context) {
	w.mu.Lock()
	w.start = w.now()
	w.stageStart = w.start
	w.durations = make(map[domain.Stage]float64)
	w.tracker = eta.NewTracker(w.loadAverages(ctx))
	w.mu.Unlock()

	if w.ShouldCancel() {
		w.finish(ctx, domain.Cancelled())
		return
	}

	w.finish(ctx, w.invoke(ctx))
}

// invoke calls the processor, converting a panic into a failure outcome.
func (w *worker) invoke(ctx context.Context) (out domain.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("processor panicked",
				"job_id", w.jobID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			out = domain.Failure(fmt.Errorf("processor panic: %v", r))
		}
	}()
	return w.processor.Process(ctx, w.spec, w)
}

// Emit relays one progress report. A percent lower than the previous report
// is clamped and logged.
func (w *worker) Emit(stage domain.Stage, percent float64, message string) {
	w.mu.Lock()
	now := w.now()

	if percent > 100 {
		percent = 100
	}
	if percent < w.lastPercent {
		w.logger.Warn("progress regression clamped",
			"job_id", w.jobID,
			"stage", stage,
			"reported", percent,
			"previous", w.lastPercent,
		)
		percent = w.lastPercent
	}
	w.lastPercent = percent

	if stage != "" && stage != w.stage {
		w.closeStage(now)
		w.stage = stage
	}

	elapsed := now.Sub(w.start).Seconds()
	snap := domain.Snapshot{
		Stage:          w.stage,
		Percent:        percent,
		Message:        message,
		ElapsedSeconds: elapsed,
	}
	if est, ok := w.tracker.Update(eta.Sample{
		ElapsedSeconds:      elapsed,
		Percent:             percent,
		Stage:               w.stage,
		StageElapsedSeconds: now.Sub(w.stageStart).Seconds(),
	}); ok {
		snap.ETASeconds = &est
	}
	w.mu.Unlock()

	w.channel.Send(snap)
}

// ShouldCancel reports whether the job's token asks the processor to stop.
func (w *worker) ShouldCancel() bool {
	return w.token.CancelledFor(w.gen)
}

// closeStage records the duration of the current stage. Must hold mu.
func (w *worker) closeStage(now time.Time) {
	if w.stage != "" {
		w.durations[w.stage] += now.Sub(w.stageStart).Seconds()
	}
	w.stageStart = now
}

// finish converts an outcome into the job's terminal snapshot.
func (w *worker) finish(ctx context.Context, out domain.Outcome) {
	w.mu.Lock()
	now := w.now()
	w.closeStage(now)

	snap := domain.Snapshot{
		Stage:          w.stage,
		Percent:        w.lastPercent,
		ElapsedSeconds: now.Sub(w.start).Seconds(),
		Terminal:       true,
	}

	cancelled := w.token.CancelledFor(w.gen)
	if cancelled && out.Kind != domain.OutcomeCancelled {
		w.logger.Info("discarding outcome of cancelled job", "job_id", w.jobID, "outcome", out.Kind)
		if out.Err != nil {
			w.logger.Debug("discarded processing error", "job_id", w.jobID, "error", out.Err)
		}
		out = domain.Cancelled()
	}

	switch out.Kind {
	case domain.OutcomeSuccess:
		result := out.Result
		if result == "" {
			result = w.spec.OutputDir
		}
		zero := 0.0
		snap.Outcome = domain.OutcomeSuccess
		snap.Percent = 100
		snap.ETASeconds = &zero
		snap.Result = result
		snap.Message = "Processing complete"
	case domain.OutcomeCancelled:
		snap.Outcome = domain.OutcomeCancelled
		snap.Message = "Cancelled by user"
	default:
		err := out.Err
		if err == nil {
			err = fmt.Errorf("processor returned outcome %q without error", out.Kind)
		}
		w.logger.Error("processing failed", "job_id", w.jobID, "stage", w.stage, "error", err)
		snap.Outcome = domain.OutcomeFailure
		snap.ErrorDetail = SanitizeError(err)
		snap.Message = "Processing failed"
	}

	durations := w.durations
	w.mu.Unlock()

	if snap.Outcome == domain.OutcomeSuccess {
		w.recordHistory(ctx, durations)
	}
	w.channel.Send(snap)
}

// loadAverages fetches stage history; failures only disable blending.
func (w *worker) loadAverages(ctx context.Context) map[domain.Stage]float64 {
	if w.history == nil {
		return nil
	}
	hctx, cancel := context.WithTimeout(ctx, historyTimeout)
	defer cancel()

	avg, err := w.history.StageAverages(hctx, w.spec.Model)
	if err != nil {
		w.logger.Warn("load stage history", "job_id", w.jobID, "error", err)
		return nil
	}
	return avg
}

// recordHistory stores stage durations of a successful run.
func (w *worker) recordHistory(ctx context.Context, durations map[domain.Stage]float64) {
	if w.history == nil || len(durations) == 0 {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()

	if err := w.history.Record(hctx, w.spec.Model, durations); err != nil {
		w.logger.Warn("record stage history", "job_id", w.jobID, "error", err)
	}
}

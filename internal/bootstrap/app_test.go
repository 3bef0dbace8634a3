package bootstrap

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"stem-separator/internal/config"
	"stem-separator/internal/domain"
	"stem-separator/internal/jobs"
	"stem-separator/internal/logging"
	"stem-separator/internal/separate"
)

// fakeStore keeps settings in memory and can simulate write failures.
type fakeStore struct {
	mu       sync.Mutex
	settings domain.Settings
	saved    domain.Settings
	saves    int
	saveErr  error
}

// Load returns preconfigured settings.
func (s *fakeStore) Load() domain.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Save records settings unless saveErr is set.
func (s *fakeStore) Save(settings domain.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.saved = settings
	s.settings = settings
	return nil
}

// Reset stores and returns defaults.
func (s *fakeStore) Reset() (domain.Settings, error) {
	defaults := config.DefaultSettings()
	return defaults, s.Save(defaults)
}

// fakeChecker counts diagnostic runs.
type fakeChecker struct {
	mu   sync.Mutex
	runs int
	last domain.Settings
}

func (c *fakeChecker) Run(settings domain.Settings) domain.DiagnosticReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs++
	c.last = settings
	return domain.DiagnosticReport{
		GeneratedAt: time.Now(),
		Items: []domain.DiagnosticItem{
			{ID: "output_dir", Name: "Output directory", Status: domain.DiagnosticStatusPass, Message: settings.OutputDirectory},
		},
	}
}

func testSettings(t *testing.T) domain.Settings {
	t.Helper()
	return domain.Settings{
		OutputDirectory:    filepath.Join(t.TempDir(), "out"),
		DefaultModel:       domain.DefaultModelID,
		EnhancementEnabled: true,
	}
}

func newTestApp(t *testing.T, store *fakeStore, processor jobs.Processor) *App {
	t.Helper()
	if processor == nil {
		processor = jobs.ProcessorFunc(func(context.Context, domain.JobSpec, jobs.Reporter) domain.Outcome {
			return domain.Success("")
		})
	}
	app := NewWithDeps(Deps{
		Store:     store,
		Processor: processor,
		Checker:   &fakeChecker{},
		Logger:    logging.Discard(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = app.Jobs.Shutdown(ctx)
	})
	return app
}

// untilCancelled blocks until the job is asked to stop.
func untilCancelled(started chan<- struct{}) jobs.Processor {
	return jobs.ProcessorFunc(func(ctx context.Context, spec domain.JobSpec, r jobs.Reporter) domain.Outcome {
		r.Emit(domain.StageInputProcessing, 5, "Reading input")
		close(started)
		for !r.ShouldCancel() {
			select {
			case <-ctx.Done():
				return domain.Cancelled()
			case <-time.After(5 * time.Millisecond):
			}
		}
		return domain.Cancelled()
	})
}

// TestStartSeparationEnforcesSingleRunningJob checks the single-job guard.
func TestStartSeparationEnforcesSingleRunningJob(t *testing.T) {
	started := make(chan struct{})
	app := newTestApp(t, &fakeStore{settings: testSettings(t)}, untilCancelled(started))

	first, err := app.StartSeparation("/tmp/song.mp3")
	if err != nil {
		t.Fatalf("start first job: %v", err)
	}
	if first.Status != domain.JobStatusRunning {
		t.Fatalf("status = %s, want running", first.Status)
	}
	if first.Model != domain.DefaultModelID || !first.EnhancementEnabled {
		t.Fatalf("job did not inherit settings: %+v", first)
	}
	<-started

	if _, err := app.StartSeparation("/tmp/other.mp3"); !errors.Is(err, jobs.ErrAlreadyRunning) {
		t.Fatalf("second start error = %v, want %v", err, jobs.ErrAlreadyRunning)
	}
	current, err := app.CurrentJob()
	if err != nil {
		t.Fatalf("current job: %v", err)
	}
	if current.ID != first.ID {
		t.Fatalf("current job = %s, want %s", current.ID, first.ID)
	}

	if !app.CancelSeparation() {
		t.Fatal("cancel reported nothing running")
	}
	waitForStatus(t, app, domain.JobStatusCancelled)

	if app.CancelSeparation() {
		t.Fatal("cancel after completion should report false")
	}
}

// TestStartSeparationRejectsEmptyInput checks input validation.
func TestStartSeparationRejectsEmptyInput(t *testing.T) {
	app := newTestApp(t, &fakeStore{settings: testSettings(t)}, nil)

	if _, err := app.StartSeparation("   "); !errors.Is(err, jobs.ErrEmptyInput) {
		t.Fatalf("error = %v, want %v", err, jobs.ErrEmptyInput)
	}
	if _, err := app.CurrentJob(); !errors.Is(err, jobs.ErrNoJob) {
		t.Fatalf("current job error = %v, want %v", err, jobs.ErrNoJob)
	}
}

// TestStartSeparationPublishesProgressAndResultEvents checks event flow.
func TestStartSeparationPublishesProgressAndResultEvents(t *testing.T) {
	release := make(chan struct{})
	processor := jobs.ProcessorFunc(func(ctx context.Context, spec domain.JobSpec, r jobs.Reporter) domain.Outcome {
		<-release
		r.Emit(domain.StageInputProcessing, 10, "Audio loaded")
		r.Emit(domain.StageSeparatingStems, 50, "Separating stems")
		r.Emit(domain.StageOrganizingOutput, 95, "Saving metadata")
		return domain.Success(filepath.Join(spec.OutputDir, "song"))
	})
	app := newTestApp(t, &fakeStore{settings: testSettings(t)}, processor)

	if _, err := app.StartSeparation("/tmp/song.mp3"); err != nil {
		t.Fatalf("start job: %v", err)
	}
	close(release)
	job := waitForStatus(t, app, domain.JobStatusCompleted)
	if job.ProgressPercent != 100 {
		t.Fatalf("percent = %v, want 100", job.ProgressPercent)
	}

	events := app.JobEvents(0)
	assertEventTypeExists(t, events, jobs.EventTypeStatus)
	assertEventTypeExists(t, events, jobs.EventTypeProgress)
	result := assertEventTypeExists(t, events, jobs.EventTypeResult)
	if result.ResultRef != job.ResultRef {
		t.Fatalf("result ref = %s, want %s", result.ResultRef, job.ResultRef)
	}

	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatalf("events out of order: %d after %d", events[i].Seq, events[i-1].Seq)
		}
	}
	if tail := app.JobEvents(events[len(events)-1].Seq); len(tail) != 0 {
		t.Fatalf("expected no events after last seq, got %d", len(tail))
	}
}

// TestStartSeparationPublishesSanitizedFailure checks the error path.
func TestStartSeparationPublishesSanitizedFailure(t *testing.T) {
	processor := jobs.ProcessorFunc(func(context.Context, domain.JobSpec, jobs.Reporter) domain.Outcome {
		return domain.Failure(&separate.PipelineError{
			Stage:   domain.StageSeparatingStems,
			Message: "Stem separation failed: not enough memory.",
			CommandLog: separate.CommandLog{
				Command:  "demucs",
				ExitCode: 1,
				Stderr:   "RuntimeError: CUDA out of memory at /home/user/secret/path",
			},
			Err: errors.New("exit status 1"),
		})
	})
	app := newTestApp(t, &fakeStore{settings: testSettings(t)}, processor)

	if _, err := app.StartSeparation("/tmp/song.mp3"); err != nil {
		t.Fatalf("start job: %v", err)
	}
	job := waitForStatus(t, app, domain.JobStatusFailed)
	if job.ErrorDetail != "Stem separation failed: not enough memory." {
		t.Fatalf("error detail = %q", job.ErrorDetail)
	}

	event := assertEventTypeExists(t, app.JobEvents(0), jobs.EventTypeError)
	if event.ErrorDetail != job.ErrorDetail {
		t.Fatalf("event detail = %q, want %q", event.ErrorDetail, job.ErrorDetail)
	}
}

// TestStatusEventsNeverFollowTerminalEvent runs instant jobs so the worker
// often finishes before StartSeparation and CancelSeparation publish.
func TestStatusEventsNeverFollowTerminalEvent(t *testing.T) {
	app := newTestApp(t, &fakeStore{settings: testSettings(t)}, nil)

	for i := 0; i < 100; i++ {
		job, err := app.StartSeparation("/tmp/song.mp3")
		if err != nil {
			t.Fatalf("start job %d: %v", i, err)
		}
		app.CancelSeparation()
		app.Jobs.Wait()
		app.CancelSeparation()

		terminal := false
		for _, event := range app.JobEvents(0) {
			if event.JobID != job.ID {
				continue
			}
			switch event.Type {
			case jobs.EventTypeResult, jobs.EventTypeError:
				terminal = true
			case jobs.EventTypeStatus:
				if event.Status.IsTerminal() {
					terminal = true
				} else if terminal {
					t.Fatalf("job %d: %q published after the terminal event", i, event.Message)
				}
			}
		}
		if !terminal {
			t.Fatalf("job %d: no terminal event", i)
		}
	}
}

// TestCancelSeparationAfterFinishPublishesNothing checks a late cancel is silent.
func TestCancelSeparationAfterFinishPublishesNothing(t *testing.T) {
	app := newTestApp(t, &fakeStore{settings: testSettings(t)}, nil)

	if _, err := app.StartSeparation("/tmp/song.mp3"); err != nil {
		t.Fatalf("start job: %v", err)
	}
	app.Jobs.Wait()
	waitForStatus(t, app, domain.JobStatusCompleted)
	before := len(app.JobEvents(0))

	if app.CancelSeparation() {
		t.Fatal("cancel after completion should report false")
	}
	if after := len(app.JobEvents(0)); after != before {
		t.Fatalf("events grew from %d to %d", before, after)
	}
}

// TestPublishThrottlesNonTerminalPushes checks the runtime push limiter.
func TestPublishThrottlesNonTerminalPushes(t *testing.T) {
	app := newTestApp(t, &fakeStore{settings: testSettings(t)}, nil)

	var mu sync.Mutex
	var pushed []jobs.Event
	app.emit = func(_ context.Context, name string, data ...interface{}) {
		if name != JobEventName {
			t.Errorf("event name = %s, want %s", name, JobEventName)
		}
		mu.Lock()
		defer mu.Unlock()
		pushed = append(pushed, data[0].(jobs.Event))
	}
	app.mu.Lock()
	app.runtimeCtx = context.Background()
	app.mu.Unlock()

	for i := 0; i < 5; i++ {
		app.publish(jobs.Event{JobID: "job", Type: jobs.EventTypeProgress, Percent: float64(i * 10)}, false)
	}
	app.publish(jobs.Event{JobID: "job", Type: jobs.EventTypeResult, Status: domain.JobStatusCompleted}, true)

	mu.Lock()
	defer mu.Unlock()
	if len(pushed) != 2 {
		t.Fatalf("pushed %d events, want 2", len(pushed))
	}
	if pushed[1].Type != jobs.EventTypeResult {
		t.Fatalf("last push = %s, want result", pushed[1].Type)
	}
	if got := len(app.Events.Since(0)); got != 6 {
		t.Fatalf("stored %d events, want 6", got)
	}
}

// TestSaveSettingsWarnsOnStoreFailure keeps new values in memory.
func TestSaveSettingsWarnsOnStoreFailure(t *testing.T) {
	store := &fakeStore{
		settings: testSettings(t),
		saveErr:  &config.StorageError{Op: "rename", Path: "/ro/settings.json", Err: errors.New("read-only file system")},
	}
	app := newTestApp(t, store, nil)

	next := app.GetSettings()
	next.DefaultModel = "htdemucs_ft"
	next.Device = " CUDA "

	update := app.SaveSettings(next)
	if update.Warning == "" {
		t.Fatal("expected warning for failed save")
	}
	if update.Warning != (&config.StorageError{}).UserMessage() {
		t.Fatalf("warning = %q", update.Warning)
	}

	current := app.GetSettings()
	if current.DefaultModel != "htdemucs_ft" || current.Device != "cuda" {
		t.Fatalf("in-memory settings not applied: %+v", current)
	}
}

// TestResetSettingsRestoresDefaults checks reset persistence and refresh.
func TestResetSettingsRestoresDefaults(t *testing.T) {
	store := &fakeStore{settings: testSettings(t)}
	app := newTestApp(t, store, nil)

	update := app.ResetSettings()
	if update.Warning != "" {
		t.Fatalf("unexpected warning: %s", update.Warning)
	}
	if update.Settings != config.DefaultSettings() {
		t.Fatalf("settings = %+v, want defaults", update.Settings)
	}
	if app.GetSettings() != config.DefaultSettings() {
		t.Fatal("in-memory settings were not reset")
	}
}

// TestFormatElapsed checks seconds are rendered through the shared formatter.
func TestFormatElapsed(t *testing.T) {
	app := newTestApp(t, &fakeStore{settings: testSettings(t)}, nil)
	if got, want := app.FormatElapsed(75), domain.FormatElapsed(75*time.Second); got != want {
		t.Fatalf("FormatElapsed = %q, want %q", got, want)
	}
}

// waitForStatus polls until the job reaches want or times out.
func waitForStatus(t *testing.T, app *App, want domain.JobStatus) domain.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var job domain.Job
	for time.Now().Before(deadline) {
		job, _ = app.CurrentJob()
		if job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("status = %s, want %s", job.Status, want)
	return job
}

// assertEventTypeExists returns the first event of the given type.
func assertEventTypeExists(t *testing.T, events []jobs.Event, want jobs.EventType) jobs.Event {
	t.Helper()
	for _, event := range events {
		if event.Type == want {
			return event
		}
	}
	t.Fatalf("event type %s not found", want)
	return jobs.Event{}
}

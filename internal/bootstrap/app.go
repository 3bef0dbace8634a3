package bootstrap

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	"golang.org/x/time/rate"

	"stem-separator/internal/config"
	"stem-separator/internal/diagnostics"
	"stem-separator/internal/domain"
	"stem-separator/internal/history"
	"stem-separator/internal/jobs"
	"stem-separator/internal/separate"

	wailsruntime "github.com/wailsapp/wails/v2/pkg/runtime"
)

// JobEventName is the runtime event carrying jobs.Event payloads.
const JobEventName = "job:event"

// progressEventsPerSecond bounds non-terminal push events to the UI.
const progressEventsPerSecond = 4

var audioDialogFilter = []wailsruntime.FileFilter{
	{
		DisplayName: "Audio files",
		Pattern:     "*.mp3;*.wav;*.flac;*.m4a;*.aac;*.ogg",
	},
	{
		DisplayName: "All files",
		Pattern:     "*",
	},
}

// diagnosticsRunner isolates tool checks behind an interface.
type diagnosticsRunner interface {
	Run(settings domain.Settings) domain.DiagnosticReport
}

// emitFunc matches wailsruntime.EventsEmit.
type emitFunc func(ctx context.Context, eventName string, optionalData ...interface{})

// App wires configuration, the job controller and UI runtime callbacks. It
// backs both the desktop window and the headless HTTP server.
type App struct {
	Store  config.Store
	Jobs   *jobs.Controller
	Events *jobs.EventBus

	checker     diagnosticsRunner
	logger      *slog.Logger
	assets      fs.FS
	closeStore  func() error
	emit        emitFunc
	emitLimiter *rate.Limiter

	mu          sync.Mutex
	settings    domain.Settings
	diagnostics domain.DiagnosticReport
	runtimeCtx  context.Context
	stopPump    context.CancelFunc
}

// Deps are the collaborators App needs. Nil History disables ETA refinement.
type Deps struct {
	Store     config.Store
	Processor jobs.Processor
	Checker   diagnosticsRunner
	History   jobs.StageHistory
	Logger    *slog.Logger
	Assets    fs.FS
}

// New builds the application from runtime configuration: persisted
// settings, stage history, the separation pipeline and startup diagnostics.
func New(rt config.Runtime, logger *slog.Logger, assets fs.FS) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve user home: %w", err)
	}
	if err := ensureLocalBinOnPATH(homeDir); err != nil {
		return nil, fmt.Errorf("prepare local tool path: %w", err)
	}

	deps := Deps{
		Store:     config.NewJSONStore(rt.SettingsPath),
		Processor: separate.NewPipeline(rt.FFmpegBin, rt.DemucsBin, rt.SpotdlBin, logger.With("component", "pipeline")),
		Checker:   diagnostics.NewChecker(rt.FFmpegBin, rt.DemucsBin),
		Logger:    logger,
		Assets:    assets,
	}

	var closeStore func() error
	if rt.HistoryDB != "" {
		hist, err := history.Open(rt.HistoryDB)
		if err != nil {
			logger.Warn("stage history unavailable, using linear estimates", "path", rt.HistoryDB, "error", err)
		} else {
			deps.History = hist
			closeStore = hist.Close
		}
	}

	app := NewWithDeps(deps)
	app.closeStore = closeStore
	return app, nil
}

// NewWithDeps builds the application around explicit collaborators.
func NewWithDeps(d Deps) *App {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		Store:       d.Store,
		Events:      jobs.NewEventBus(1000),
		checker:     d.Checker,
		logger:      logger,
		assets:      d.Assets,
		emit:        wailsruntime.EventsEmit,
		emitLimiter: rate.NewLimiter(rate.Limit(progressEventsPerSecond), 1),
	}

	opts := []jobs.ControllerOption{
		jobs.WithLogger(logger.With("component", "jobs")),
		jobs.WithObserver(a.onSnapshot),
	}
	if d.History != nil {
		opts = append(opts, jobs.WithHistory(d.History))
	}
	a.Jobs = jobs.NewController(d.Processor, opts...)

	a.settings = a.Store.Load()
	config.ApplyCredentials(a.settings)
	if a.checker != nil {
		a.diagnostics = a.checker.Run(a.settings)
	}
	return a
}

// Run starts the Wails desktop application and binds backend methods.
func (a *App) Run() error {
	assetOptions := &assetserver.Options{}
	if a.assets != nil {
		assetOptions.Assets = a.assets
	} else {
		assetOptions.Handler = http.FileServer(http.Dir("./frontend"))
	}

	return wails.Run(&options.App{
		Title:       "Stembler",
		Width:       1080,
		Height:      720,
		AssetServer: assetOptions,
		OnStartup:   a.Startup,
		OnShutdown:  a.Shutdown,
		Bind:        []interface{}{a},
	})
}

// Startup stores the Wails runtime context for push events and starts
// relaying job progress.
func (a *App) Startup(ctx context.Context) {
	a.mu.Lock()
	a.runtimeCtx = ctx
	a.mu.Unlock()

	a.StartPump(ctx)
}

// Shutdown cancels any running job, waits briefly for it to stop and
// releases the history database.
func (a *App) Shutdown(ctx context.Context) {
	a.mu.Lock()
	a.runtimeCtx = nil
	stop := a.stopPump
	a.stopPump = nil
	a.mu.Unlock()

	if stop != nil {
		stop()
	}

	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.Jobs.Shutdown(waitCtx); err != nil {
		a.logger.Warn("worker did not stop before shutdown", "error", err)
	}

	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			a.logger.Warn("close stage history", "error", err)
		}
	}
}

// StartPump applies relayed snapshots whenever the controller signals new
// ones, so observers fire without the UI polling. It stops with ctx.
func (a *App) StartPump(ctx context.Context) {
	pumpCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	if a.stopPump != nil {
		a.stopPump()
	}
	a.stopPump = cancel
	a.mu.Unlock()

	go func() {
		for {
			select {
			case <-pumpCtx.Done():
				return
			case <-a.Jobs.Updates():
				a.Jobs.LatestSnapshot()
			}
		}
	}()
}

// StartSeparation creates a job for inputPath from the current settings and
// runs it in the background.
func (a *App) StartSeparation(inputPath string) (domain.Job, error) {
	settings := a.GetSettings()
	spec := domain.JobSpec{
		InputPath:          strings.TrimSpace(inputPath),
		Model:              settings.DefaultModel,
		Device:             settings.Device,
		EnhancementEnabled: settings.EnhancementEnabled,
		OutputDir:          settings.OutputDirectory,
	}

	id, err := a.Jobs.Start(spec)
	if err != nil {
		return domain.Job{}, err
	}

	var job domain.Job
	announced := a.Jobs.Announce(id, func(j domain.Job) {
		job = j
		a.publish(jobs.Event{
			JobID:   j.ID,
			Type:    jobs.EventTypeStatus,
			Status:  j.Status,
			Message: "Job started",
		}, true)
	})
	if !announced {
		job, _ = a.Jobs.LatestSnapshot()
	}
	return job, nil
}

// CancelSeparation requests cancellation of the running job. It reports
// false when nothing is running. No "Cancelling..." event is published once
// the job has already finished.
func (a *App) CancelSeparation() bool {
	job, _ := a.Jobs.LatestSnapshot()
	if !a.Jobs.Cancel() {
		return false
	}
	a.Jobs.Announce(job.ID, func(j domain.Job) {
		a.publish(jobs.Event{
			JobID:   j.ID,
			Type:    jobs.EventTypeStatus,
			Status:  j.Status,
			Stage:   j.CurrentStage,
			Percent: j.ProgressPercent,
			Message: "Cancelling...",
		}, true)
	})
	return true
}

// CurrentJob returns the latest view of the current or most recent job.
func (a *App) CurrentJob() (domain.Job, error) {
	job, ok := a.Jobs.LatestSnapshot()
	if !ok {
		return domain.Job{}, jobs.ErrNoJob
	}
	return job, nil
}

// JobEvents returns all events with sequence greater than sinceSeq.
func (a *App) JobEvents(sinceSeq int64) []jobs.Event {
	a.Jobs.LatestSnapshot()
	return a.Events.Since(sinceSeq)
}

// FormatElapsed renders a duration in seconds for display.
func (a *App) FormatElapsed(seconds float64) string {
	return domain.FormatElapsed(time.Duration(seconds * float64(time.Second)))
}

// GetDiagnostics returns the latest cached diagnostics report.
func (a *App) GetDiagnostics() domain.DiagnosticReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.diagnostics
}

// RefreshDiagnostics reruns dependency checks against current settings.
func (a *App) RefreshDiagnostics() domain.DiagnosticReport {
	return a.refreshDiagnosticsFromSettings(a.GetSettings())
}

// GetSettings returns the in-memory settings loaded at startup and updated
// by SaveSettings and ResetSettings.
func (a *App) GetSettings() domain.Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings
}

// SaveSettings normalizes and persists settings. A failed write keeps the new
// values in memory and reports a warning instead of an error.
func (a *App) SaveSettings(settings domain.Settings) domain.SettingsUpdate {
	normalized := config.Normalize(settings)
	update := domain.SettingsUpdate{Settings: normalized}
	if err := a.Store.Save(normalized); err != nil {
		a.logger.Warn("settings not persisted", "error", err)
		update.Warning = jobs.SanitizeError(err)
	}

	a.applySettings(normalized)
	return update
}

// ResetSettings restores and persists the default settings.
func (a *App) ResetSettings() domain.SettingsUpdate {
	defaults, err := a.Store.Reset()
	update := domain.SettingsUpdate{Settings: defaults}
	if err != nil {
		a.logger.Warn("settings reset not persisted", "error", err)
		update.Warning = jobs.SanitizeError(err)
	}

	a.applySettings(defaults)
	return update
}

// applySettings makes settings current and refreshes dependent state.
func (a *App) applySettings(settings domain.Settings) {
	config.ApplyCredentials(settings)
	a.refreshDiagnosticsFromSettings(settings)
}

// PickInputFile opens a native file dialog for audio selection.
func (a *App) PickInputFile() (string, error) {
	ctx, err := a.runtimeContext()
	if err != nil {
		return "", err
	}

	path, err := wailsruntime.OpenFileDialog(ctx, wailsruntime.OpenDialogOptions{
		Title:   "Select audio file",
		Filters: audioDialogFilter,
	})
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(path), nil
}

// PickOutputDirectory opens a native directory picker for stem output.
func (a *App) PickOutputDirectory() (string, error) {
	ctx, err := a.runtimeContext()
	if err != nil {
		return "", err
	}

	path, err := wailsruntime.OpenDirectoryDialog(ctx, wailsruntime.OpenDialogOptions{
		Title: "Select output directory",
	})
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(path), nil
}

// OpenOutputFolder opens the given path, the last result or the configured
// output directory in the file manager.
func (a *App) OpenOutputFolder(path string) error {
	target := strings.TrimSpace(path)
	if target == "" {
		if job, ok := a.Jobs.LatestSnapshot(); ok && job.ResultRef != "" {
			target = job.ResultRef
		}
	}
	if target == "" {
		target = a.GetSettings().OutputDirectory
	}
	if target == "" {
		return fmt.Errorf("output path is empty")
	}

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("resolve output path: %w", err)
	}

	openPath := target
	if !info.IsDir() {
		openPath = filepath.Dir(target)
	}

	return openInFileManager(openPath)
}

// onSnapshot publishes every applied snapshot and pushes it to the window.
// Non-terminal pushes are rate limited; terminal ones always go out.
func (a *App) onSnapshot(job domain.Job, snap domain.Snapshot) {
	a.publish(jobs.EventFromSnapshot(job, snap), snap.Terminal)
}

// publish stores event history and emits runtime push notifications.
func (a *App) publish(event jobs.Event, force bool) {
	published := a.Events.Publish(event)

	a.mu.Lock()
	ctx := a.runtimeCtx
	a.mu.Unlock()
	if ctx == nil || a.emit == nil {
		return
	}
	if force || a.emitLimiter.Allow() {
		a.emit(ctx, JobEventName, published)
	}
}

func (a *App) refreshDiagnosticsFromSettings(settings domain.Settings) domain.DiagnosticReport {
	var report domain.DiagnosticReport
	if a.checker != nil {
		report = a.checker.Run(settings)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.settings = settings
	if a.checker != nil {
		a.diagnostics = report
	}
	return a.diagnostics
}

// runtimeContext returns current Wails runtime context for dialog APIs.
func (a *App) runtimeContext() (context.Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runtimeCtx == nil {
		return nil, fmt.Errorf("runtime context is not initialized")
	}
	return a.runtimeCtx, nil
}

// openInFileManager launches the platform file explorer for the provided path.
func openInFileManager(path string) error {
	var cmd *exec.Cmd
	switch goruntime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("explorer", filepath.Clean(path))
	default:
		cmd = exec.Command("xdg-open", path)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch file manager: %w", err)
	}
	return nil
}

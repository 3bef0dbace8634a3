package diagnostics

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"stem-separator/internal/domain"
)

// Checker validates external tools, the configured model and the output
// directory before a separation is started.
type Checker struct {
	tools      []tool
	lookPath   func(string) (string, error)
	mkdirAll   func(string, os.FileMode) error
	createTemp func(string, string) (*os.File, error)
	remove     func(string) error
	now        func() time.Time
}

type tool struct {
	id   string
	name string
	hint string
}

// NewChecker builds a checker using real OS dependencies. Empty binary names
// fall back to the tools found on PATH.
func NewChecker(ffmpegPath, demucsPath string) *Checker {
	return &Checker{
		tools:      defaultTools(ffmpegPath, demucsPath),
		lookPath:   exec.LookPath,
		mkdirAll:   os.MkdirAll,
		createTemp: os.CreateTemp,
		remove:     os.Remove,
		now:        time.Now,
	}
}

func defaultTools(ffmpegPath, demucsPath string) []tool {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if demucsPath == "" {
		demucsPath = "demucs"
	}
	ffprobe := "ffprobe"
	if dir := filepath.Dir(ffmpegPath); dir != "." {
		ffprobe = filepath.Join(dir, "ffprobe"+filepath.Ext(ffmpegPath))
	}

	ffHint := "Install FFmpeg and make sure ffmpeg and ffprobe are on PATH."
	return []tool{
		{id: "tool_ffmpeg", name: ffmpegPath, hint: ffHint},
		{id: "tool_ffprobe", name: ffprobe, hint: ffHint},
		{id: "tool_demucs", name: demucsPath, hint: "Install demucs (pip install demucs) or set STEMBLER_DEMUCS to its location."},
	}
}

// Run executes all startup checks and returns a combined report.
func (c *Checker) Run(settings domain.Settings) domain.DiagnosticReport {
	items := make([]domain.DiagnosticItem, 0, len(c.tools)+2)
	for _, t := range c.tools {
		items = append(items, c.checkTool(t))
	}
	items = append(items,
		checkModel(settings.DefaultModel),
		c.checkOutputDir(settings.OutputDirectory),
	)

	hasFailures := false
	for _, item := range items {
		if item.Status == domain.DiagnosticStatusFail {
			hasFailures = true
			break
		}
	}

	return domain.DiagnosticReport{
		GeneratedAt: c.now().UTC(),
		HasFailures: hasFailures,
		Items:       items,
	}
}

// checkTool verifies a required CLI executable is resolvable.
func (c *Checker) checkTool(t tool) domain.DiagnosticItem {
	label := filepath.Base(t.name)
	path, err := c.lookPath(t.name)
	if err != nil {
		return domain.DiagnosticItem{
			ID:      t.id,
			Name:    label,
			Status:  domain.DiagnosticStatusFail,
			Message: fmt.Sprintf("Tool not found: %s", t.name),
			Hint:    t.hint,
		}
	}

	return domain.DiagnosticItem{
		ID:      t.id,
		Name:    label,
		Status:  domain.DiagnosticStatusPass,
		Message: fmt.Sprintf("Found at %s", path),
	}
}

// checkModel validates the configured separation model against the catalog.
func checkModel(id string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   "model",
		Name: "Separation model",
	}

	model, ok := domain.LookupModel(id)
	if !ok {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Unknown model: %q", id)
		item.Hint = "Pick one of the models listed in settings."
		return item
	}

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("%s (%d stems)", model.Name, model.Stems)
	return item
}

// checkOutputDir validates output directory existence and write access.
func (c *Checker) checkOutputDir(outputDir string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   "output_dir",
		Name: "Output directory",
	}

	if strings.TrimSpace(outputDir) == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = "Output directory is empty."
		item.Hint = "Set an output directory where stems can be written."
		return item
	}

	if err := c.mkdirAll(outputDir, 0o755); err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Cannot create output directory: %s", outputDir)
		item.Hint = "Choose a writable location or adjust filesystem permissions."
		return item
	}

	tmpFile, err := c.createTemp(outputDir, ".write-check-*")
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Output directory is not writable: %s", outputDir)
		item.Hint = "Choose a writable directory for stem output."
		return item
	}

	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	_ = c.remove(tmpPath)

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Writable directory: %s", outputDir)
	return item
}

// NewCheckerForTests creates checker with injectable dependencies.
func NewCheckerForTests(
	lookPath func(string) (string, error),
	mkdirAll func(string, os.FileMode) error,
	createTemp func(string, string) (*os.File, error),
	remove func(string) error,
) *Checker {
	return &Checker{
		tools:      defaultTools("", ""),
		lookPath:   lookPath,
		mkdirAll:   mkdirAll,
		createTemp: createTemp,
		remove:     remove,
		now:        time.Now,
	}
}

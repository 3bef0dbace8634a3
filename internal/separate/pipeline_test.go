package separate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stem-separator/internal/domain"
	"stem-separator/internal/jobs"
)

// fakeRunner simulates command execution order and outcomes.
type fakeRunner struct {
	run func(ctx context.Context, name string, args ...string) (commandResult, error)
}

// Run delegates to injected behavior.
func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	if f.run == nil {
		return commandResult{}, nil
	}
	return f.run(ctx, name, args...)
}

// recordingReporter captures emitted progress and cancels on demand.
type recordingReporter struct {
	events   []emitted
	cancelAt domain.Stage
	cancel   bool
}

type emitted struct {
	stage   domain.Stage
	percent float64
	message string
}

func (r *recordingReporter) Emit(stage domain.Stage, percent float64, message string) {
	r.events = append(r.events, emitted{stage, percent, message})
	if r.cancelAt != "" && stage == r.cancelAt {
		r.cancel = true
	}
}

func (r *recordingReporter) ShouldCancel() bool { return r.cancel }

// demucsWriter returns a runner that fakes ffmpeg and demucs output files.
func demucsWriter(t *testing.T, stems []string, failEnhance bool) (*fakeRunner, *[]string) {
	t.Helper()
	var calls []string
	return &fakeRunner{
		run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
			calls = append(calls, name)
			switch name {
			case "ffmpeg":
				if hasArg(args, "-af") && failEnhance {
					return commandResult{Stderr: "filter error", ExitCode: 1}, errors.New("exit status 1")
				}
				mustWriteFile(t, args[len(args)-1], "wav")
				return commandResult{}, nil
			case "demucs":
				model := argValue(args, "-n")
				out := argValue(args, "-o")
				audio := args[len(args)-1]
				track := strings.TrimSuffix(filepath.Base(audio), ".wav")
				for _, s := range stems {
					mustWriteFile(t, filepath.Join(out, model, track, s+".wav"), s)
				}
				return commandResult{Stdout: "done"}, nil
			default:
				t.Fatalf("unexpected command %q", name)
				return commandResult{}, nil
			}
		},
	}, &calls
}

func newTestPipeline(runner commandRunner) *Pipeline {
	p := NewPipeline("ffmpeg", "demucs", "spotdl", slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.runner = runner
	p.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return p
}

func testSpec(t *testing.T, name string, enhance bool) domain.JobSpec {
	t.Helper()
	root := t.TempDir()
	input := filepath.Join(root, name)
	mustWriteFile(t, input, "audio")
	return domain.JobSpec{
		InputPath:          input,
		Model:              "htdemucs",
		EnhancementEnabled: enhance,
		OutputDir:          filepath.Join(root, "out"),
	}
}

// TestPipelineProcessSuccess checks the happy path layout and progress bands.
func TestPipelineProcessSuccess(t *testing.T) {
	runner, calls := demucsWriter(t, []string{"vocals", "drums", "bass", "other"}, false)
	p := newTestPipeline(runner)
	spec := testSpec(t, "My Song.mp3", true)
	rep := &recordingReporter{}

	out := p.Process(context.Background(), spec, rep)
	if out.Kind != domain.OutcomeSuccess {
		t.Fatalf("outcome = %+v", out)
	}

	trackDir := filepath.Join(spec.OutputDir, "My Song")
	if out.Result != trackDir {
		t.Fatalf("result = %q, want %q", out.Result, trackDir)
	}
	for _, s := range []string{"vocals", "drums", "bass", "other"} {
		if _, err := os.Stat(filepath.Join(trackDir, "stems", "My Song_"+s+".wav")); err != nil {
			t.Fatalf("stem %s missing: %v", s, err)
		}
	}

	// one conversion, one separation, four enhancements.
	if len(*calls) != 6 {
		t.Fatalf("calls = %v", *calls)
	}

	data, err := os.ReadFile(filepath.Join(trackDir, "metadata.json"))
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta.Model != "htdemucs" || !meta.EnhancementApplied || len(meta.Stems) != 4 || meta.Device != "auto" {
		t.Fatalf("metadata = %+v", meta)
	}

	var last float64
	for _, e := range rep.events {
		if e.percent < last {
			t.Fatalf("progress regressed: %+v", rep.events)
		}
		last = e.percent
	}
	if rep.events[0].stage != domain.StageInputProcessing || last != 100 {
		t.Fatalf("events = %+v", rep.events)
	}
}

// TestPipelineEnhancementFailureFallsBack keeps raw stems when ffmpeg filtering fails.
func TestPipelineEnhancementFailureFallsBack(t *testing.T) {
	runner, _ := demucsWriter(t, []string{"vocals", "other"}, true)
	p := newTestPipeline(runner)
	spec := testSpec(t, "clip.wav", true)
	rep := &recordingReporter{}

	out := p.Process(context.Background(), spec, rep)
	if out.Kind != domain.OutcomeSuccess {
		t.Fatalf("outcome = %+v", out)
	}

	found := false
	for _, e := range rep.events {
		if strings.Contains(e.message, "using original stems") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fallback message, events = %+v", rep.events)
	}
	data, err := os.ReadFile(filepath.Join(out.Result, "stems", "clip_vocals.wav"))
	if err != nil || string(data) != "vocals" {
		t.Fatalf("raw stem not kept: %q %v", data, err)
	}
}

// TestPipelineSkipsEnhancementWhenDisabled runs no ffmpeg filter passes.
func TestPipelineSkipsEnhancementWhenDisabled(t *testing.T) {
	runner, calls := demucsWriter(t, []string{"vocals"}, false)
	p := newTestPipeline(runner)

	out := p.Process(context.Background(), testSpec(t, "a.flac", false), &recordingReporter{})
	if out.Kind != domain.OutcomeSuccess {
		t.Fatalf("outcome = %+v", out)
	}
	if len(*calls) != 2 {
		t.Fatalf("calls = %v, want conversion and separation only", *calls)
	}
}

// TestPipelineHonorsCancellation stops at the next stage boundary.
func TestPipelineHonorsCancellation(t *testing.T) {
	runner, calls := demucsWriter(t, []string{"vocals"}, false)
	p := newTestPipeline(runner)
	var tempDir string
	p.mkdirTemp = func(dir, pattern string) (string, error) {
		d, err := os.MkdirTemp(dir, pattern)
		tempDir = d
		return d, err
	}
	spec := testSpec(t, "a.mp3", true)

	out := p.Process(context.Background(), spec, &recordingReporter{cancelAt: domain.StageLoadingModel})
	if out.Kind != domain.OutcomeCancelled {
		t.Fatalf("outcome = %+v, want cancelled", out)
	}
	if len(*calls) != 1 {
		t.Fatalf("calls = %v, want conversion only", *calls)
	}
	if _, err := os.Stat(tempDir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp dir should be removed, stat err = %v", err)
	}
	if _, err := os.Stat(spec.OutputDir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("no output should be written, stat err = %v", err)
	}
}

// TestPipelineRejectsUnsupportedFormat fails before any command runs.
func TestPipelineRejectsUnsupportedFormat(t *testing.T) {
	p := newTestPipeline(&fakeRunner{run: func(context.Context, string, ...string) (commandResult, error) {
		t.Fatal("no command expected")
		return commandResult{}, nil
	}})

	out := p.Process(context.Background(), testSpec(t, "notes.txt", false), &recordingReporter{})
	if out.Kind != domain.OutcomeFailure {
		t.Fatalf("outcome = %+v", out)
	}
	if msg := jobs.SanitizeError(out.Err); !strings.Contains(msg, "Unsupported audio format: .txt") {
		t.Fatalf("message = %q", msg)
	}
}

// TestPipelineDemucsFailure checks the separation error path.
func TestPipelineDemucsFailure(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, name string, args ...string) (commandResult, error) {
		if name == "ffmpeg" {
			mustWriteFile(t, args[len(args)-1], "wav")
			return commandResult{}, nil
		}
		return commandResult{Stderr: "RuntimeError: CUDA out of memory", ExitCode: 1}, errors.New("exit status 1")
	}}
	p := newTestPipeline(runner)

	out := p.Process(context.Background(), testSpec(t, "a.ogg", false), &recordingReporter{})
	var pErr *PipelineError
	if !errors.As(out.Err, &pErr) {
		t.Fatalf("error type = %T, want *PipelineError", out.Err)
	}
	if pErr.Stage != domain.StageSeparatingStems || pErr.CommandLog.Command != "demucs" || pErr.CommandLog.ExitCode != 1 {
		t.Fatalf("error = %+v", pErr)
	}
	if msg := jobs.SanitizeError(out.Err); !strings.Contains(msg, "out of memory") || strings.Contains(msg, "RuntimeError") {
		t.Fatalf("message = %q", msg)
	}
}

// TestPipelineUnderController runs the pipeline through the job controller.
func TestPipelineUnderController(t *testing.T) {
	runner, _ := demucsWriter(t, []string{"vocals", "drums"}, false)
	c := jobs.NewController(newTestPipeline(runner), jobs.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	spec := testSpec(t, "a.m4a", false)

	if _, err := c.Start(spec); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	c.Wait()

	job, ok := c.LatestSnapshot()
	if !ok || job.Status != domain.JobStatusCompleted {
		t.Fatalf("job = %+v", job)
	}
	if job.ResultRef != filepath.Join(spec.OutputDir, "a") || job.ProgressPercent != 100 {
		t.Fatalf("job = %+v", job)
	}
}

// TestBuildDemucsArgs verifies device handling.
func TestBuildDemucsArgs(t *testing.T) {
	args := buildDemucsArgs("htdemucs", "", "/tmp/sep", "/tmp/a.wav")
	if hasArg(args, "--device") {
		t.Fatalf("auto device should not pass --device: %v", args)
	}
	args = buildDemucsArgs("mdx_q", "cuda", "/tmp/sep", "/tmp/a.wav")
	if argValue(args, "--device") != "cuda" || argValue(args, "-n") != "mdx_q" || args[len(args)-1] != "/tmp/a.wav" {
		t.Fatalf("args = %v", args)
	}
}

// TestBuildConvertArgs verifies deterministic ffmpeg command arguments.
func TestBuildConvertArgs(t *testing.T) {
	args := buildConvertArgs("/in.mp3", "/tmp/out.wav")
	want := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", "/in.mp3",
		"-vn",
		"-ac", "2",
		"-ar", "44100",
		"-c:a", "pcm_s16le",
		"/tmp/out.wav",
	}

	if len(args) != len(want) {
		t.Fatalf("args len = %d, want %d", len(args), len(want))
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

// TestSanitizeFilename replaces reserved characters.
func TestSanitizeFilename(t *testing.T) {
	if got := sanitizeFilename(`AC/DC: "Live"?`); got != "AC_DC_ _Live__" {
		t.Fatalf("sanitized = %q", got)
	}
	if got := sanitizeFilename(" .. "); got != "track" {
		t.Fatalf("sanitized = %q, want track", got)
	}
}

// TestIsSupportedFormat is case-insensitive.
func TestIsSupportedFormat(t *testing.T) {
	if !IsSupportedFormat("/x/Song.FLAC") || IsSupportedFormat("/x/video.mp4") {
		t.Fatal("unexpected format support")
	}
}

// mustWriteFile creates parent directory and writes file content.
func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file %s: %v", path, err)
	}
}

// argValue returns value for key-style CLI args.
func argValue(args []string, key string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == key {
			return args[i+1]
		}
	}
	return ""
}

// hasArg reports whether args include the target flag.
func hasArg(args []string, key string) bool {
	for _, arg := range args {
		if arg == key {
			return true
		}
	}
	return false
}

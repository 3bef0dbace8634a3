// Package separate runs the ffmpeg and demucs toolchain that turns one audio
// file into a directory of stems.
package separate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"stem-separator/internal/domain"
	"stem-separator/internal/jobs"
)

// SupportedExtensions lists the input formats accepted for separation.
var SupportedExtensions = []string{".mp3", ".wav", ".flac", ".m4a", ".aac", ".ogg"}

// IsSupportedFormat reports whether path has an accepted audio extension.
func IsSupportedFormat(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, s := range SupportedExtensions {
		if ext == s {
			return true
		}
	}
	return false
}

// enhanceFilter removes sub-audible rumble and normalizes loudness per stem.
const enhanceFilter = "highpass=f=20,loudnorm=I=-16:TP=-1.5:LRA=11"

// Metadata is written next to the stems as metadata.json.
type Metadata struct {
	TrackName          string            `json:"track_name"`
	CreatedAt          time.Time         `json:"timestamp"`
	SourceFile         string            `json:"source_file"`
	Model              string            `json:"model_used"`
	Device             string            `json:"device_used"`
	EnhancementApplied bool              `json:"processing_applied"`
	Stems              map[string]string `json:"stems"`
}

// Pipeline orchestrates input download, ffmpeg conversion, demucs
// separation, optional enhancement and output layout. It implements
// jobs.Processor.
type Pipeline struct {
	ffmpegPath string
	demucsPath string
	spotdlPath string
	runner     commandRunner
	httpClient *http.Client
	logger     *slog.Logger
	getenv     func(key string) string
	now        func() time.Time
	mkdirTemp  func(dir, pattern string) (string, error)
	removeAll  func(path string) error
	stat       func(name string) (os.FileInfo, error)
	mkdirAll   func(path string, perm os.FileMode) error
	readDir    func(name string) ([]os.DirEntry, error)
}

var _ jobs.Processor = (*Pipeline)(nil)

// NewPipeline constructs the production pipeline with OS dependencies.
// Empty tool paths fall back to the binary name on PATH.
func NewPipeline(ffmpegPath, demucsPath, spotdlPath string, logger *slog.Logger) *Pipeline {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if demucsPath == "" {
		demucsPath = "demucs"
	}
	if spotdlPath == "" {
		spotdlPath = "spotdl"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		ffmpegPath: ffmpegPath,
		demucsPath: demucsPath,
		spotdlPath: spotdlPath,
		runner:     &execRunner{},
		httpClient: &http.Client{},
		logger:     logger,
		getenv:     os.Getenv,
		now:        time.Now,
		mkdirTemp:  os.MkdirTemp,
		removeAll:  os.RemoveAll,
		stat:       os.Stat,
		mkdirAll:   os.MkdirAll,
		readDir:    os.ReadDir,
	}
}

// Process runs one separation, checking for cancellation before each stage.
func (p *Pipeline) Process(ctx context.Context, spec domain.JobSpec, r jobs.Reporter) domain.Outcome {
	r.Emit(domain.StageInputProcessing, 0, "Processing input...")

	if err := p.validate(spec); err != nil {
		return domain.Failure(err)
	}
	model, _ := domain.LookupModel(spec.Model)

	tempDir, err := p.mkdirTemp("", "stembler-*")
	if err != nil {
		return domain.Failure(&PipelineError{
			Stage:   domain.StageInputProcessing,
			Message: "Failed to create a temporary workspace.",
			Err:     err,
		})
	}
	defer func() {
		if err := p.removeAll(tempDir); err != nil {
			p.logger.Warn("remove temp workspace", "path", tempDir, "error", err)
		}
	}()

	source, kind, err := p.resolveInput(ctx, CleanInput(spec.InputPath), tempDir, r)
	if err != nil {
		return domain.Failure(err)
	}
	if r.ShouldCancel() {
		return domain.Cancelled()
	}

	track := trackName(source)
	audioPath := filepath.Join(tempDir, "input", track+".wav")
	if err := p.convertInput(ctx, source, audioPath); err != nil {
		return domain.Failure(err)
	}
	r.Emit(domain.StageInputProcessing, 10, "Input processed: "+kind.label())

	if r.ShouldCancel() {
		return domain.Cancelled()
	}
	r.Emit(domain.StageLoadingModel, 15, fmt.Sprintf("Loading AI model (%s)...", model.ID))

	if r.ShouldCancel() {
		return domain.Cancelled()
	}
	r.Emit(domain.StageSeparatingStems, 20, "Separating stems...")
	stems, err := p.separate(ctx, model.ID, spec.Device, audioPath, filepath.Join(tempDir, "separated"), track)
	if err != nil {
		return domain.Failure(err)
	}
	r.Emit(domain.StageSeparatingStems, 80, fmt.Sprintf("Separated %d stems", len(stems)))

	if r.ShouldCancel() {
		return domain.Cancelled()
	}
	enhanced := false
	if spec.EnhancementEnabled {
		r.Emit(domain.StageEnhancingAudio, 82, "Enhancing audio quality...")
		out, ok, cancelled := p.enhance(ctx, stems, filepath.Join(tempDir, "enhanced"), r)
		if cancelled {
			return domain.Cancelled()
		}
		if ok {
			stems = out
			enhanced = true
			r.Emit(domain.StageEnhancingAudio, 90, "Audio enhancement completed")
		} else {
			r.Emit(domain.StageEnhancingAudio, 90, "Audio enhancement failed, using original stems")
		}
	} else {
		r.Emit(domain.StageEnhancingAudio, 90, "Skipping audio enhancement")
	}

	if r.ShouldCancel() {
		return domain.Cancelled()
	}
	r.Emit(domain.StageOrganizingOutput, 92, "Organizing output files...")
	trackDir, organized, err := p.organize(spec.OutputDir, track, stems)
	if err != nil {
		return domain.Failure(err)
	}

	r.Emit(domain.StageOrganizingOutput, 95, "Generating metadata...")
	meta := Metadata{
		TrackName:          sanitizeFilename(track),
		CreatedAt:          p.now().UTC(),
		SourceFile:         CleanInput(spec.InputPath),
		Model:              model.ID,
		Device:             deviceLabel(spec.Device),
		EnhancementApplied: enhanced,
		Stems:              organized,
	}
	if err := writeMetadata(trackDir, meta); err != nil {
		return domain.Failure(err)
	}

	r.Emit(domain.StageOrganizingOutput, 100, fmt.Sprintf("Saved %d stems", len(organized)))
	return domain.Success(trackDir)
}

// validate checks the request before any external tool runs.
func (p *Pipeline) validate(spec domain.JobSpec) error {
	if strings.TrimSpace(spec.InputPath) == "" {
		return &PipelineError{Stage: domain.StageInputProcessing, Message: "An input audio file is required."}
	}
	if input := CleanInput(spec.InputPath); DetectInputKind(input) == InputLocalFile {
		if err := p.validateLocal(input); err != nil {
			return err
		}
	}
	if _, ok := domain.LookupModel(spec.Model); !ok {
		return &PipelineError{
			Stage:   domain.StageLoadingModel,
			Message: fmt.Sprintf("Unknown separation model: %s", spec.Model),
		}
	}
	if strings.TrimSpace(spec.OutputDir) == "" {
		return &PipelineError{Stage: domain.StageOrganizingOutput, Message: "An output directory is required."}
	}
	return nil
}

// convertInput decodes any supported format to 44.1 kHz stereo PCM WAV.
func (p *Pipeline) convertInput(ctx context.Context, inputPath, outPath string) error {
	if err := p.mkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return &PipelineError{
			Stage:   domain.StageInputProcessing,
			Message: "Failed to prepare the temporary workspace.",
			Err:     err,
		}
	}

	args := buildConvertArgs(inputPath, outPath)
	log, err := p.exec(ctx, p.ffmpegPath, args)
	if err != nil {
		return &PipelineError{
			Stage:      domain.StageInputProcessing,
			Message:    "The input file could not be decoded. It may be corrupted or in an unsupported format.",
			CommandLog: log,
			Err:        err,
		}
	}
	if _, err := p.stat(outPath); err != nil {
		return &PipelineError{
			Stage:      domain.StageInputProcessing,
			Message:    "Audio conversion completed but produced no output.",
			CommandLog: log,
			Err:        err,
		}
	}
	return nil
}

// separate runs demucs and collects the stems it wrote, keyed by stem name.
func (p *Pipeline) separate(ctx context.Context, model, device, audioPath, outDir, track string) (map[string]string, error) {
	args := buildDemucsArgs(model, device, outDir, audioPath)
	log, err := p.exec(ctx, p.demucsPath, args)
	if err != nil {
		return nil, &PipelineError{
			Stage:      domain.StageSeparatingStems,
			Message:    separationFailureMessage(log.Stderr),
			CommandLog: log,
			Err:        err,
		}
	}

	stemDir := filepath.Join(outDir, model, track)
	entries, err := p.readDir(stemDir)
	if err != nil {
		return nil, &PipelineError{
			Stage:      domain.StageSeparatingStems,
			Message:    "Stem separation completed but no stems were written.",
			CommandLog: log,
			Err:        err,
		}
	}

	stems := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".wav") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		stems[name] = filepath.Join(stemDir, entry.Name())
	}
	if len(stems) == 0 {
		return nil, &PipelineError{
			Stage:      domain.StageSeparatingStems,
			Message:    "Stem separation completed but no stems were written.",
			CommandLog: log,
		}
	}
	return stems, nil
}

// enhance filters every stem. ok is false when any stem fails, in which case
// the caller keeps the unprocessed stems.
func (p *Pipeline) enhance(ctx context.Context, stems map[string]string, outDir string, r jobs.Reporter) (map[string]string, bool, bool) {
	if err := p.mkdirAll(outDir, 0o755); err != nil {
		p.logger.Warn("enhancement workspace", "path", outDir, "error", err)
		return nil, false, false
	}

	names := sortedKeys(stems)
	out := make(map[string]string, len(stems))
	for i, name := range names {
		if r.ShouldCancel() {
			return nil, false, true
		}
		target := filepath.Join(outDir, name+".wav")
		log, err := p.exec(ctx, p.ffmpegPath, buildEnhanceArgs(stems[name], target))
		if err != nil {
			p.logger.Warn("stem enhancement failed", "stem", name, "exit_code", log.ExitCode, "error", err)
			return nil, false, false
		}
		out[name] = target

		pct := 82 + 8*float64(i+1)/float64(len(names))
		r.Emit(domain.StageEnhancingAudio, pct, fmt.Sprintf("Enhanced %s", name))
	}
	return out, true, false
}

// organize copies stems to <output>/<track>/stems/<track>_<stem>.wav and
// returns the track directory with the final path of each stem.
func (p *Pipeline) organize(outputDir, track string, stems map[string]string) (string, map[string]string, error) {
	safe := sanitizeFilename(track)
	trackDir := filepath.Join(outputDir, safe)
	stemsDir := filepath.Join(trackDir, "stems")
	if err := p.mkdirAll(stemsDir, 0o755); err != nil {
		return "", nil, &PipelineError{
			Stage:   domain.StageOrganizingOutput,
			Message: fmt.Sprintf("Cannot create output directory: %s", trackDir),
			Err:     err,
		}
	}

	organized := make(map[string]string, len(stems))
	for _, name := range sortedKeys(stems) {
		target := filepath.Join(stemsDir, fmt.Sprintf("%s_%s.wav", safe, name))
		if err := copyFile(stems[name], target); err != nil {
			p.logger.Error("copy stem", "stem", name, "target", target, "error", err)
			continue
		}
		organized[name] = target
	}
	if len(organized) == 0 {
		return "", nil, &PipelineError{
			Stage:   domain.StageOrganizingOutput,
			Message: "No stems could be written to the output directory.",
		}
	}
	return trackDir, organized, nil
}

// exec runs one tool and logs the invocation.
func (p *Pipeline) exec(ctx context.Context, name string, args []string) (CommandLog, error) {
	res, err := p.runner.Run(ctx, name, args...)
	log := CommandLog{
		Command:  name,
		Args:     args,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
	p.logger.Debug("command finished", "command", name, "args", args, "exit_code", res.ExitCode)
	if err != nil {
		p.logger.Error("command failed", "command", name, "exit_code", res.ExitCode, "stderr", tail(res.Stderr, 2000), "error", err)
	}
	return log, err
}

func writeMetadata(dir string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return &PipelineError{Stage: domain.StageOrganizingOutput, Message: "Failed to encode metadata.", Err: err}
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o644); err != nil {
		return &PipelineError{Stage: domain.StageOrganizingOutput, Message: "Failed to write metadata.json.", Err: err}
	}
	return nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	_, err = io.Copy(out, in)
	return err
}

// buildConvertArgs builds ffmpeg args for 44.1 kHz stereo PCM WAV output.
func buildConvertArgs(inputPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "2",
		"-ar", "44100",
		"-c:a", "pcm_s16le",
		outPath,
	}
}

// buildDemucsArgs builds demucs CLI args. An empty device lets demucs pick.
func buildDemucsArgs(model, device, outDir, audioPath string) []string {
	args := []string{"-n", model, "-o", outDir}
	if d := strings.TrimSpace(device); d != "" {
		args = append(args, "--device", d)
	}
	return append(args, audioPath)
}

// buildEnhanceArgs builds ffmpeg args applying the per-stem enhancement chain.
func buildEnhanceArgs(inputPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-af", enhanceFilter,
		"-ar", "44100",
		"-c:a", "pcm_s16le",
		outPath,
	}
}

// separationFailureMessage picks a user-safe hint from demucs stderr.
func separationFailureMessage(stderr string) string {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "out of memory"):
		return "Stem separation ran out of memory. Close other applications or try the CPU device."
	case strings.Contains(s, "cuda") || strings.Contains(s, "mps"):
		return "Stem separation failed on the GPU. Try selecting the CPU device in settings."
	case strings.Contains(s, "no such file") || strings.Contains(s, "not found"):
		return "The separation model could not be loaded. Check that demucs and its models are installed."
	default:
		return "Stem separation failed. Try a different model or restart the application."
	}
}

// trackName derives the output track name from the input file name.
func trackName(inputPath string) string {
	base := filepath.Base(inputPath)
	name := strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base)))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "track"
	}
	return name
}

// sanitizeFilename replaces characters that are invalid on common filesystems.
func sanitizeFilename(name string) string {
	out := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`<>:"/\|?*`, r) {
			return '_'
		}
		return r
	}, name)
	out = strings.Trim(out, ". ")
	if out == "" {
		return "track"
	}
	return out
}

func deviceLabel(device string) string {
	if device == "" {
		return "auto"
	}
	return device
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

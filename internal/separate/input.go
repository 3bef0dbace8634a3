package separate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"stem-separator/internal/config"
	"stem-separator/internal/domain"
)

// InputKind classifies what the user typed or dropped into the input field.
type InputKind string

const (
	InputLocalFile  InputKind = "local_file"
	InputSpotifyURL InputKind = "spotify_url"
	InputAudioURL   InputKind = "audio_url"
	InputInvalid    InputKind = "invalid"
)

// label is the short form used in progress messages.
func (k InputKind) label() string {
	switch k {
	case InputSpotifyURL:
		return "Spotify track"
	case InputAudioURL:
		return "audio URL"
	default:
		return "local file"
	}
}

const (
	downloadAttempts = 3
	downloadTimeout  = 5 * time.Minute
)

// CleanInput strips whitespace and the quotes file managers add when a path
// is pasted.
func CleanInput(raw string) string {
	s := strings.TrimSpace(raw)
	for len(s) >= 2 && ((s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'')) {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// DetectInputKind reports how input should be fetched. Anything that is not
// a Spotify track or an http(s) URL is treated as a local path.
func DetectInputKind(input string) InputKind {
	s := CleanInput(input)
	if s == "" {
		return InputInvalid
	}
	if strings.HasPrefix(s, "spotify:track:") {
		return InputSpotifyURL
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return InputLocalFile
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return InputInvalid
	}
	if strings.EqualFold(u.Host, "open.spotify.com") {
		if strings.HasPrefix(u.Path, "/track/") {
			return InputSpotifyURL
		}
		return InputInvalid
	}
	return InputAudioURL
}

// resolveInput returns a local audio file for input, downloading it into
// dir when input is a URL. Local paths were already checked by validate.
func (p *Pipeline) resolveInput(ctx context.Context, input, dir string, r reporter) (string, InputKind, error) {
	kind := DetectInputKind(input)
	switch kind {
	case InputLocalFile:
		return input, kind, nil
	case InputSpotifyURL:
		r.Emit(domain.StageInputProcessing, 2, "Downloading from Spotify...")
		local, err := p.downloadSpotify(ctx, input, dir)
		return local, kind, err
	case InputAudioURL:
		r.Emit(domain.StageInputProcessing, 2, "Downloading audio...")
		local, err := p.downloadURL(ctx, input, dir)
		return local, kind, err
	default:
		return "", kind, &PipelineError{
			Stage:   domain.StageInputProcessing,
			Message: "Unsupported input. Use a local audio file, a Spotify track link, or a direct audio URL.",
		}
	}
}

// reporter is the subset of jobs.Reporter needed while resolving input.
type reporter interface {
	Emit(stage domain.Stage, percent float64, message string)
}

func (p *Pipeline) validateLocal(input string) error {
	info, err := p.stat(input)
	if err != nil {
		return &PipelineError{
			Stage:   domain.StageInputProcessing,
			Message: fmt.Sprintf("Input file not found: %s", filepath.Base(input)),
			Err:     err,
		}
	}
	if info.IsDir() {
		return &PipelineError{Stage: domain.StageInputProcessing, Message: "The input path is a folder, not an audio file."}
	}
	if !IsSupportedFormat(input) {
		return &PipelineError{
			Stage: domain.StageInputProcessing,
			Message: fmt.Sprintf("Unsupported audio format: %s. Supported: %s",
				filepath.Ext(input), strings.Join(SupportedExtensions, ", ")),
		}
	}
	return nil
}

// downloadSpotify runs spotdl into dir. Credentials exported by the settings
// layer are passed through when both are present.
func (p *Pipeline) downloadSpotify(ctx context.Context, link, dir string) (string, error) {
	outDir := filepath.Join(dir, "download")
	if err := p.mkdirAll(outDir, 0o755); err != nil {
		return "", &PipelineError{
			Stage:   domain.StageInputProcessing,
			Message: "Failed to prepare the download folder.",
			Err:     err,
		}
	}

	args := buildSpotdlArgs(link, outDir, p.getenv(config.EnvSpotifyClientID), p.getenv(config.EnvSpotifyClientSecret))
	log, err := p.exec(ctx, p.spotdlPath, args)
	if errors.Is(err, exec.ErrNotFound) {
		return "", &PipelineError{
			Stage:      domain.StageInputProcessing,
			Message:    "Spotify downloads need spotdl. Install it with: pipx install spotdl",
			CommandLog: log,
			Err:        err,
		}
	}
	if err != nil {
		return "", &PipelineError{
			Stage:      domain.StageInputProcessing,
			Message:    spotifyFailureMessage(log.Stderr + log.Stdout),
			CommandLog: log,
			Err:        err,
		}
	}

	local, ok := p.firstAudioFile(outDir)
	if !ok {
		return "", &PipelineError{
			Stage:      domain.StageInputProcessing,
			Message:    spotifyFailureMessage(log.Stderr + log.Stdout),
			CommandLog: log,
		}
	}
	return local, nil
}

// downloadURL fetches a direct audio link into dir, retrying transient
// failures.
func (p *Pipeline) downloadURL(ctx context.Context, link, dir string) (string, error) {
	outDir := filepath.Join(dir, "download")
	if err := p.mkdirAll(outDir, 0o755); err != nil {
		return "", &PipelineError{
			Stage:   domain.StageInputProcessing,
			Message: "Failed to prepare the download folder.",
			Err:     err,
		}
	}

	var lastErr error
	for attempt := 1; attempt <= downloadAttempts; attempt++ {
		local, retry, err := p.fetchOnce(ctx, link, outDir)
		if err == nil {
			return local, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
		p.logger.Warn("audio download failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}

	var pErr *PipelineError
	if errors.As(lastErr, &pErr) {
		return "", pErr
	}
	return "", &PipelineError{
		Stage:   domain.StageInputProcessing,
		Message: "Failed to download audio from the URL. Check the link and your connection.",
		Err:     lastErr,
	}
}

// fetchOnce performs one GET. retry is true for network errors and 5xx
// responses.
func (p *Pipeline) fetchOnce(ctx context.Context, link, outDir string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("User-Agent", "stembler")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", true, fmt.Errorf("download %s: status %d", link, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, &PipelineError{
			Stage:   domain.StageInputProcessing,
			Message: fmt.Sprintf("The audio URL returned HTTP %d.", resp.StatusCode),
		}
	}

	ext, ok := audioExtension(link, resp.Header.Get("Content-Type"))
	if !ok {
		return "", false, &PipelineError{
			Stage:   domain.StageInputProcessing,
			Message: "The URL does not point to a supported audio file.",
		}
	}

	target := filepath.Join(outDir, downloadName(link, ext))
	out, err := os.Create(target)
	if err != nil {
		return "", false, err
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", true, err
	}
	if n == 0 {
		return "", false, &PipelineError{
			Stage:   domain.StageInputProcessing,
			Message: "The downloaded audio file is empty.",
		}
	}
	return target, false, nil
}

// firstAudioFile returns the first supported audio file in dir.
func (p *Pipeline) firstAudioFile(dir string) (string, bool) {
	entries, err := p.readDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.IsDir() && IsSupportedFormat(e.Name()) {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}

// audioExtension picks the file extension from the URL path, falling back to
// an audio Content-Type.
func audioExtension(link, contentType string) (string, bool) {
	if u, err := url.Parse(link); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); IsSupportedFormat("x" + ext) {
			return ext, true
		}
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "audio/") {
		return "", false
	}
	switch mediaType {
	case "audio/mpeg", "audio/mp3":
		return ".mp3", true
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav", true
	case "audio/flac", "audio/x-flac":
		return ".flac", true
	case "audio/mp4", "audio/x-m4a", "audio/m4a":
		return ".m4a", true
	case "audio/aac":
		return ".aac", true
	case "audio/ogg":
		return ".ogg", true
	default:
		return "", false
	}
}

// downloadName keeps the URL's base name so the track name survives.
func downloadName(link, ext string) string {
	name := "downloaded_audio"
	if u, err := url.Parse(link); err == nil {
		base := path.Base(u.Path)
		if stem := strings.TrimSuffix(base, path.Ext(base)); stem != "" && stem != "." && stem != "/" {
			name = stem
		}
	}
	return sanitizeFilename(name) + ext
}

// buildSpotdlArgs builds spotdl download args writing one mp3 into outDir.
func buildSpotdlArgs(link, outDir, clientID, clientSecret string) []string {
	args := []string{
		"download", link,
		"--output", filepath.Join(outDir, "{artists} - {title}.{output-ext}"),
		"--format", "mp3",
	}
	if clientID != "" && clientSecret != "" {
		args = append(args, "--client-id", clientID, "--client-secret", clientSecret)
	}
	return args
}

// spotifyFailureMessage picks a user-safe hint from spotdl output.
func spotifyFailureMessage(output string) string {
	s := strings.ToLower(output)
	switch {
	case strings.Contains(s, "no results found"), strings.Contains(s, "requested format is not available"):
		return "This track could not be downloaded due to copyright restrictions. Try a local file instead."
	case strings.Contains(s, "invalid client"), strings.Contains(s, "401"):
		return "Spotify rejected the client credentials. Check them in settings."
	default:
		return "Failed to download the Spotify track."
	}
}

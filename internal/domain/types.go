package domain

import (
	"fmt"
	"time"
)

// JobStatus tracks the lifecycle of a single separation job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Stage labels one step of the separation pipeline.
type Stage string

const (
	StageInputProcessing  Stage = "input_processing"
	StageLoadingModel     Stage = "loading_model"
	StageSeparatingStems  Stage = "separating_stems"
	StageEnhancingAudio   Stage = "enhancing_audio"
	StageOrganizingOutput Stage = "organizing_output"
)

// PipelineStages lists stages in execution order.
var PipelineStages = []Stage{
	StageInputProcessing,
	StageLoadingModel,
	StageSeparatingStems,
	StageEnhancingAudio,
	StageOrganizingOutput,
}

// OutcomeKind classifies how the processing function returned.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeFailure   OutcomeKind = "failure"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is the return value of one processing run.
type Outcome struct {
	Kind   OutcomeKind
	Result string
	Err    error
}

// Success builds an outcome carrying a result reference.
func Success(result string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Result: result}
}

// Failure builds an outcome carrying the raw processing error.
func Failure(err error) Outcome {
	return Outcome{Kind: OutcomeFailure, Err: err}
}

// Cancelled builds an outcome for a run that observed cancellation.
func Cancelled() Outcome {
	return Outcome{Kind: OutcomeCancelled}
}

// JobSpec is the client request for a new separation job.
type JobSpec struct {
	InputPath          string `json:"inputPath"`
	Model              string `json:"model"`
	Device             string `json:"device,omitempty"`
	EnhancementEnabled bool   `json:"enhancementEnabled"`
	OutputDir          string `json:"outputDir"`
}

// Snapshot is an immutable progress record relayed from worker to controller.
type Snapshot struct {
	Stage          Stage       `json:"stage"`
	Percent        float64     `json:"percent"`
	Message        string      `json:"message"`
	ElapsedSeconds float64     `json:"elapsedSeconds"`
	ETASeconds     *float64    `json:"etaSeconds,omitempty"`
	Terminal       bool        `json:"terminal"`
	Outcome        OutcomeKind `json:"outcome,omitempty"`
	Result         string      `json:"result,omitempty"`
	ErrorDetail    string      `json:"errorDetail,omitempty"`
}

// Job is the controller-owned record of one separation job.
type Job struct {
	ID                 string     `json:"id"`
	InputPath          string     `json:"inputPath"`
	Model              string     `json:"model"`
	EnhancementEnabled bool       `json:"enhancementEnabled"`
	OutputDir          string     `json:"outputDir"`
	Status             JobStatus  `json:"status"`
	ProgressPercent    float64    `json:"progressPercent"`
	CurrentStage       Stage      `json:"currentStage,omitempty"`
	Message            string     `json:"message,omitempty"`
	ETASeconds         *float64   `json:"etaSeconds,omitempty"`
	StartTime          *time.Time `json:"startTime,omitempty"`
	EndTime            *time.Time `json:"endTime,omitempty"`
	ErrorDetail        string     `json:"errorDetail,omitempty"`
	ResultRef          string     `json:"resultRef,omitempty"`
}

// Duration returns elapsed processing time, measured up to now while running.
func (j Job) Duration(now time.Time) time.Duration {
	if j.StartTime == nil {
		return 0
	}
	end := now
	if j.EndTime != nil {
		end = *j.EndTime
	}
	return end.Sub(*j.StartTime)
}

// Settings contains user-selectable runtime configuration.
type Settings struct {
	OutputDirectory     string `json:"output_directory"`
	DefaultModel        string `json:"default_model"`
	EnhancementEnabled  bool   `json:"enhancement_enabled"`
	Device              string `json:"device"`
	SpotifyClientID     string `json:"spotify_client_id"`
	SpotifyClientSecret string `json:"spotify_client_secret"`
}

// SettingsUpdate is returned after settings are saved or reset. Warning is
// set when the change is active in memory but could not be persisted.
type SettingsUpdate struct {
	Settings Settings `json:"settings"`
	Warning  string   `json:"warning,omitempty"`
}

// HasSpotifyCredentials reports whether both credential fields are set.
func (s Settings) HasSpotifyCredentials() bool {
	return s.SpotifyClientID != "" && s.SpotifyClientSecret != ""
}

// FormatElapsed renders a duration as "45s", "1m 23s" or "1h 2m".
func FormatElapsed(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 0 {
		secs = 0
	}
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	default:
		return fmt.Sprintf("%dh %dm", secs/3600, (secs%3600)/60)
	}
}

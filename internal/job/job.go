package job

import (
	"time"
)

// Status represents the current state of a job.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further work happens without an explicit retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Results holds the artifacts of a completed run.
type Results struct {
	SubtitlePaths      []string `json:"subtitle_paths"`
	VideoPath          string   `json:"video_path,omitempty"`
	DetectedLanguage   string   `json:"detected_language,omitempty"`
	LanguageConfidence float64  `json:"language_confidence,omitempty"`
	SegmentCount       int      `json:"segment_count"`
	MediaDuration      float64  `json:"media_duration,omitempty"`
}

// Job is one subtitle generation pipeline run for a single input.
type Job struct {
	ID      string   `json:"id"`
	BatchID string   `json:"batch_id,omitempty"`
	Status  Status   `json:"status"`
	Config  Config   `json:"config"`
	Plan    StepPlan `json:"step_plan"`

	// Run increments every time the job goes back to QUEUED. Queue requests
	// issued for an older run are stale.
	Run int `json:"run"`

	CurrentStep     string   `json:"current_step,omitempty"`
	ProgressPercent float64  `json:"progress_percent"`
	ErrorMessage    *string  `json:"error_message,omitempty"`
	Results         *Results `json:"results,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// New creates a QUEUED job with its step plan computed from cfg.
func New(id string, cfg Config, now time.Time) (*Job, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now = now.UTC()
	return &Job{
		ID:        id,
		Status:    StatusQueued,
		Config:    cfg,
		Plan:      BuildPlan(cfg),
		Run:       1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Clone returns a deep copy so callers can mutate without affecting stored state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Config = j.Config.clone()
	c.Plan = append(StepPlan(nil), j.Plan...)
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		c.ErrorMessage = &msg
	}
	if j.Results != nil {
		r := *j.Results
		r.SubtitlePaths = append([]string(nil), j.Results.SubtitlePaths...)
		c.Results = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Error returns the error message or an empty string.
func (j *Job) Error() string {
	if j.ErrorMessage == nil {
		return ""
	}
	return *j.ErrorMessage
}

// BatchStatus represents the derived state of a batch.
type BatchStatus string

const (
	BatchQueued     BatchStatus = "QUEUED"
	BatchProcessing BatchStatus = "PROCESSING"
	BatchCompleted  BatchStatus = "COMPLETED"
	BatchPartial    BatchStatus = "PARTIAL"
	BatchCancelled  BatchStatus = "CANCELLED"
)

// Terminal reports whether every member job has settled.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchPartial || s == BatchCancelled
}

// Batch is a named group of jobs submitted together. Its status and counters
// are always derived from the member jobs.
type Batch struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Status        BatchStatus `json:"status"`
	TotalJobs     int         `json:"total_jobs"`
	CompletedJobs int         `json:"completed_jobs"`
	FailedJobs    int         `json:"failed_jobs"`
	CreatedAt     time.Time   `json:"created_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

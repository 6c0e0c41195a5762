package job

import (
	"time"
)

// Class is a job category with its own queue, credential pool and
// concurrency budget.
type Class string

const (
	ClassExtract  Class = "extract"
	ClassFormat   Class = "format"
	ClassFallback Class = "fallback"
)

// ParseClass validates a class string.
func ParseClass(s string) (Class, bool) {
	switch Class(s) {
	case ClassExtract, ClassFormat, ClassFallback:
		return Class(s), true
	}
	return "", false
}

// Status is the lifecycle state of a job. A job reaches exactly one of
// the two terminal states.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// FilePayload is one uploaded file carried inside an extract job.
type FilePayload struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	DataB64  string `json:"data_b64"`
}

// Metadata identifies the submitting user and display name.
type Metadata struct {
	UserID   string `json:"user_id"`
	FileName string `json:"file_name"`
}

// Job is the unit of work carried on a class queue. The payload is a
// file for extract jobs and raw text for format jobs.
type Job struct {
	ID        string        `json:"job_id"`
	Class     Class         `json:"job_type"`
	Files     []FilePayload `json:"files,omitempty"`
	RawText   string        `json:"raw_text,omitempty"`
	Meta      Metadata      `json:"metadata"`
	CreatedAt time.Time     `json:"created_at"`
}

// CompletionEvent is the terminal-outcome record published exactly
// once per job onto the completion channel. Retries are invisible
// here; only the final result is carried.
type CompletionEvent struct {
	JobID     string    `json:"job_id"`
	JobType   Class     `json:"job_type"`
	UserID    string    `json:"user_id"`
	FileName  string    `json:"file_name"`
	Success   bool      `json:"success"`
	Result    string    `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

// FormatResult is the structured result of a format-class job.
type FormatResult struct {
	FormattedText string `json:"formatted_text"`
	SummaryText   string `json:"summary_text"`
}

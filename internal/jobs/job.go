// Package jobs provides background job processing for dump conversion and
// periodic maintenance work.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"codeintel/internal/errors"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusDelayed   Status = "delayed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ParseStatus validates a status string from a client or the database.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusQueued, StatusActive, StatusDelayed, StatusCompleted, StatusFailed:
		return Status(s), nil
	default:
		return "", errors.Newf(errors.UnknownJobStatus, nil, "unknown job status %q", s)
	}
}

// Name identifies the kind of work a job performs.
type Name string

const (
	// NameConvert turns a raw uploaded index into a queryable dump.
	NameConvert Name = "convert"
	// NameUpdateTips recomputes which dumps are visible at branch tips.
	NameUpdateTips Name = "update-tips"
	// NameCleanOldJobs removes finished jobs past the retention window.
	NameCleanOldJobs Name = "clean-old-jobs"
)

// Job is one unit of background work with its state and metadata.
type Job struct {
	ID            string     `json:"id"`
	Name          Name       `json:"name"`
	Args          string     `json:"args,omitempty"` // JSON-encoded arguments
	Status        Status     `json:"status"`
	QueuedAt      time.Time  `json:"queuedAt"`
	ProcessAfter  *time.Time `json:"processAfter,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
}

// ConvertArgs are the arguments of a convert job.
type ConvertArgs struct {
	Repository string `json:"repository"`
	Commit     string `json:"commit"`
	Root       string `json:"root"`
	UploadPath string `json:"uploadPath"`
	Tip        bool   `json:"tip,omitempty"`
}

// UpdateTipsArgs are the arguments of an update-tips job.
type UpdateTipsArgs struct {
	Repository string `json:"repository"`
	TipCommit  string `json:"tipCommit"`
}

// NewJob creates a queued job with the given name and arguments.
func NewJob(name Name, args interface{}) (*Job, error) {
	var argsJSON string
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		argsJSON = string(data)
	}

	return &Job{
		ID:       uuid.New().String(),
		Name:     name,
		Args:     argsJSON,
		Status:   StatusQueued,
		QueuedAt: time.Now().UTC(),
	}, nil
}

package backend

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/minerlink/minerlink/pkg/locator"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusSubmitted JobStatus = "submitted"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition can happen.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusSubmitted, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from s to next. Reporting the
// same state again is allowed.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case "":
		return next == StatusSubmitted
	case StatusSubmitted:
		return next == StatusRunning || next.IsTerminal()
	case StatusRunning:
		return next.IsTerminal()
	}
	return false
}

// Job is one process run. ID is generated locally and doubles as the temp
// namespace; RemoteID is whatever the executing backend assigned.
type Job struct {
	ID       string
	RemoteID string

	Process  locator.Locator
	Queue    string
	Operator string
	Macros   map[string]string

	Inputs  []locator.Locator
	Outputs []locator.Locator

	Status      JobStatus
	Diagnostic  string
	SubmittedAt time.Time
	FinishedAt  time.Time
}

// NewJob returns a job with a fresh id and no status.
func NewJob(process locator.Locator, queue string, macros map[string]string) *Job {
	if macros == nil {
		macros = map[string]string{}
	}
	return &Job{
		ID:      uuid.New().String(),
		Process: process,
		Queue:   queue,
		Macros:  macros,
	}
}

// Transition moves the job to next, rejecting moves out of a terminal state.
func (j *Job) Transition(next JobStatus) error {
	if !next.Valid() {
		return fmt.Errorf("unknown job status %q", next)
	}
	if !j.Status.CanTransition(next) {
		return fmt.Errorf("job %s cannot move from %s to %s", j.ID, j.Status, next)
	}
	if j.Status == "" && next == StatusSubmitted {
		j.SubmittedAt = time.Now()
	}
	if next.IsTerminal() && !j.Status.IsTerminal() {
		j.FinishedAt = time.Now()
	}
	j.Status = next
	return nil
}

// Namespace returns the temp namespace of the job.
func (j *Job) Namespace() string {
	return "minerlink-" + j.ID
}

// Package job holds the job state machine, its stores and the service the API
// and the worker drive it through.
package job

import (
	"time"

	"kicad-jobs/internal/artifact"
)

// State is the lifecycle state of a job.
type State string

// State constants
const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

var transitions = map[State][]State{
	StatePending: {StateActive, StateCancelled, StateFailed},
	StateActive:  {StateSucceeded, StateFailed},
}

// CanTransition reports whether a job may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Error kinds recorded on failed jobs.
const (
	KindValidation = "validation"
	KindStage      = "stage"
	KindPublish    = "publish"
	KindInternal   = "internal"
)

// JobError is the structured failure detail of a failed job.
type JobError struct {
	Kind    string `json:"kind"`
	Stage   string `json:"stage,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Log     string `json:"log,omitempty"`
}

// Job is one build request and its lifecycle.
type Job struct {
	ID          string        `json:"id"`
	State       State         `json:"state"`
	Percentage  int           `json:"percentage"`
	Message     string        `json:"message,omitempty"`
	ProjectName string        `json:"project_name,omitempty"`
	Result      *artifact.Ref `json:"result,omitempty"`
	Error       *JobError     `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Duration is the time from start to completion, or zero if either is unset.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// transition moves j to next, stamping the start and completion times.
func (j *Job) transition(next State, now time.Time) bool {
	if !j.State.CanTransition(next) {
		return false
	}
	j.State = next
	switch {
	case next == StateActive:
		j.StartedAt = &now
	case next.Terminal():
		j.CompletedAt = &now
	}
	return true
}

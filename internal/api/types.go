package api

import (
	"time"

	"kicad-jobs/internal/job"
	"kicad-jobs/internal/queue"
)

// Task status values reported to clients.
const (
	TaskPending  = "PENDING"
	TaskProgress = "PROGRESS"
	TaskSuccess  = "SUCCESS"
	TaskFailure  = "FAILURE"
	TaskRevoked  = "REVOKED"
)

// TaskStatus is the body of the submit and status endpoints.
type TaskStatus struct {
	TaskID     string      `json:"task_id"`
	TaskStatus string      `json:"task_status"`
	Result     *TaskResult `json:"task_result,omitempty"`
}

// TaskResult carries progress while a task runs and its outcome after.
type TaskResult struct {
	Percentage int        `json:"percentage"`
	Message    string     `json:"message,omitempty"`
	Artifacts  *Artifacts `json:"artifacts,omitempty"`

	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Stage string `json:"stage,omitempty"`
	Field string `json:"field,omitempty"`
	Log   string `json:"log,omitempty"`
}

// Artifacts are the download paths of a finished task.
type Artifacts struct {
	Result          string            `json:"result"`
	Renders         map[string]string `json:"renders,omitempty"`
	RenderErrors    map[string]string `json:"render_errors,omitempty"`
	ProjectName     string            `json:"project_name,omitempty"`
	DurationSeconds float64           `json:"duration_seconds,omitempty"`
}

// CancelResponse is returned by a successful cancel.
type CancelResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// WorkersResponse summarises the processes consuming the queue.
type WorkersResponse struct {
	WorkerProcesses int            `json:"worker_processes"`
	TotalCapacity   int            `json:"total_capacity"`
	ActiveTasks     int            `json:"active_tasks"`
	IdleCapacity    int            `json:"idle_capacity"`
	Workers         []WorkerDetail `json:"workers"`
}

// WorkerDetail describes one worker process.
type WorkerDetail struct {
	ID           string         `json:"id"`
	Host         string         `json:"host"`
	PID          int            `json:"pid"`
	Concurrency  int            `json:"concurrency"`
	Started      string         `json:"started"` // RFC 3339
	Status       string         `json:"status"`
	ActiveTasks  int            `json:"active_tasks"`
	IdleCapacity int            `json:"idle_capacity"`
	Queues       map[string]int `json:"queues"`
}

// VersionResponse is the body of /api/version.
type VersionResponse struct {
	Version string `json:"version"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ResultPath is the download path of a task's bundle.
func ResultPath(id string) string { return "/api/pcb/" + id + "/result" }

// RenderPath is the download path of one of a task's previews.
func RenderPath(id, name string) string { return "/api/pcb/" + id + "/render/" + name }

// NewTaskStatus maps a job onto the client representation.
func NewTaskStatus(j *job.Job) *TaskStatus {
	s := &TaskStatus{TaskID: j.ID}
	switch j.State {
	case job.StatePending:
		s.TaskStatus = TaskPending
		s.Result = &TaskResult{Percentage: 0}
	case job.StateActive:
		s.TaskStatus = TaskProgress
		s.Result = &TaskResult{Percentage: j.Percentage, Message: j.Message}
	case job.StateSucceeded:
		s.TaskStatus = TaskSuccess
		s.Result = &TaskResult{Percentage: 100}
		if j.Result != nil {
			a := &Artifacts{
				Result:          ResultPath(j.ID),
				RenderErrors:    j.Result.PreviewErrors,
				ProjectName:     j.ProjectName,
				DurationSeconds: j.Duration().Seconds(),
			}
			for name := range j.Result.Previews {
				if a.Renders == nil {
					a.Renders = make(map[string]string)
				}
				a.Renders[name] = RenderPath(j.ID, name)
			}
			s.Result.Artifacts = a
		}
	case job.StateFailed:
		s.TaskStatus = TaskFailure
		s.Result = &TaskResult{Percentage: j.Percentage}
		if e := j.Error; e != nil {
			s.Result.Error = e.Message
			s.Result.Kind = e.Kind
			s.Result.Stage = e.Stage
			s.Result.Field = e.Field
			s.Result.Log = e.Log
		}
	case job.StateCancelled:
		s.TaskStatus = TaskRevoked
		s.Result = &TaskResult{Percentage: j.Percentage, Message: j.Message}
	}
	return s
}

// NewWorkersResponse totals the capacity of the given workers.
func NewWorkersResponse(workers []queue.WorkerInfo) *WorkersResponse {
	resp := &WorkersResponse{WorkerProcesses: len(workers), Workers: make([]WorkerDetail, 0, len(workers))}
	for _, w := range workers {
		idle := max(w.Concurrency-w.ActiveTasks, 0)
		resp.TotalCapacity += w.Concurrency
		resp.ActiveTasks += w.ActiveTasks
		resp.IdleCapacity += idle
		resp.Workers = append(resp.Workers, WorkerDetail{
			ID:           w.ID,
			Host:         w.Host,
			PID:          w.PID,
			Concurrency:  w.Concurrency,
			Started:      w.Started.UTC().Format(time.RFC3339),
			Status:       w.Status,
			ActiveTasks:  w.ActiveTasks,
			IdleCapacity: idle,
			Queues:       w.Queues,
		})
	}
	return resp
}

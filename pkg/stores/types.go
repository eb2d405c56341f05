package stores

import (
	"context"
	"time"
)

// ExperimentStatus represents the status of a recorded experiment
type ExperimentStatus string

const (
	ExperimentStatusRunning    ExperimentStatus = "running"
	ExperimentStatusFailed     ExperimentStatus = "failed"
	ExperimentStatusTerminated ExperimentStatus = "terminated"
)

// IsTerminal returns true once the experiment is over.
func (s ExperimentStatus) IsTerminal() bool {
	return s == ExperimentStatusFailed || s == ExperimentStatusTerminated
}

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Experiment is one controller run
type Experiment struct {
	ID          string           `json:"id"`
	RootDir     string           `json:"root_dir"`
	Status      ExperimentStatus `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Error       *string          `json:"error,omitempty"`
	Metadata    string           `json:"metadata"` // JSON blob
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// ResourceSnapshot is the last known state of one resource of an experiment
type ResourceSnapshot struct {
	ExperimentID string    `json:"experiment_id"`
	GUID         int       `json:"guid"`
	Type         string    `json:"type"`
	Label        string    `json:"label"`
	State        string    `json:"state"`
	Times        string    `json:"times"`      // JSON object, state name -> time
	Attributes   string    `json:"attributes"` // JSON object, name -> value
	FailureCode  *string   `json:"failure_code,omitempty"`
	FailureCause *string   `json:"failure_cause,omitempty"`
	ReleaseError *string   `json:"release_error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TaskRecord is the outcome of one scheduled task
type TaskRecord struct {
	ExperimentID string     `json:"experiment_id"`
	TaskID       int64      `json:"task_id"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Status       string     `json:"status"`
	Result       *string    `json:"result,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Event represents an append-only log event
type Event struct {
	ID           int64      `json:"id"`
	ExperimentID string     `json:"experiment_id"`
	Type         string     `json:"type"`
	GUID         *int       `json:"guid,omitempty"`
	TaskID       *int64     `json:"task_id,omitempty"`
	Level        EventLevel `json:"level"`
	Message      string     `json:"message"`
	Details      *string    `json:"details,omitempty"` // JSON blob
	Timestamp    time.Time  `json:"timestamp"`
}

// EventQuery narrows GetEvents. Nil fields match everything.
type EventQuery struct {
	ExperimentID *string
	GUID         *int
	Type         *string
	Level        *EventLevel
	Limit        int
	Offset       int
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Experiment operations
	CreateExperiment(ctx context.Context, exp *Experiment) error
	GetExperiment(ctx context.Context, id string) (*Experiment, error)
	UpdateExperimentStatus(ctx context.Context, id string, status ExperimentStatus, errMsg *string) error
	ListExperiments(ctx context.Context, limit, offset int) ([]*Experiment, error)
	DeleteExperiment(ctx context.Context, id string) error

	// Resource snapshots
	UpsertResourceSnapshot(ctx context.Context, snap *ResourceSnapshot) error
	ListResourceSnapshots(ctx context.Context, experimentID string) ([]*ResourceSnapshot, error)

	// Tasks
	RecordTask(ctx context.Context, task *TaskRecord) error
	ListTasks(ctx context.Context, experimentID string) ([]*TaskRecord, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, q EventQuery) ([]*Event, error)
}

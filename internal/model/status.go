package model

// TaskStatus represents the lifecycle status of a tracked task
type TaskStatus string

const (
	// TaskStatusPending means the task is registered but not started
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusRunning means the owning worker is making progress
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusCompleted means the task finished successfully
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed means the task failed with an error
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusCancelled means the task was cancelled before finishing
	TaskStatusCancelled TaskStatus = "cancelled"
)

// String returns the string representation of TaskStatus
func (ts TaskStatus) String() string {
	return string(ts)
}

// IsActive returns true if the task is in an active state
func (ts TaskStatus) IsActive() bool {
	return ts == TaskStatusRunning
}

// IsFinished returns true if the task is in a terminal state (completed, failed, or cancelled)
func (ts TaskStatus) IsFinished() bool {
	return ts == TaskStatusCompleted || ts == TaskStatusFailed || ts == TaskStatusCancelled
}

// IsValid reports whether ts is one of the known statuses
func (ts TaskStatus) IsValid() bool {
	switch ts {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows ts -> next.
// Running has no self transition here; progress updates are not transitions.
func (ts TaskStatus) CanTransition(next TaskStatus) bool {
	switch ts {
	case TaskStatusPending:
		return next == TaskStatusRunning || next == TaskStatusCancelled
	case TaskStatusRunning:
		return next.IsFinished()
	}
	return false
}

// TaskType is the kind of work a task tracks
type TaskType string

const (
	TaskTypeDownload      TaskType = "download"
	TaskTypeTranscription TaskType = "transcription"
	TaskTypeConversion    TaskType = "conversion"
	TaskTypeUpload        TaskType = "upload"
)

// IsValid reports whether tt is one of the known task types
func (tt TaskType) IsValid() bool {
	switch tt {
	case TaskTypeDownload, TaskTypeTranscription, TaskTypeConversion, TaskTypeUpload:
		return true
	}
	return false
}

// Label returns a capitalized human readable name, e.g. "Download"
func (tt TaskType) Label() string {
	switch tt {
	case TaskTypeDownload:
		return "Download"
	case TaskTypeTranscription:
		return "Transcription"
	case TaskTypeConversion:
		return "Conversion"
	case TaskTypeUpload:
		return "Upload"
	}
	return "Task"
}

package bus

// TaskStatusEvent mirrors a Task Store status transition onto the bus,
// published by the Task Controller and Worker Runtime on every UpdateTask
// call that changes Status.
type TaskStatusEvent struct {
	TaskID              string `json:"task_id"`
	OldStatus           string `json:"old_status,omitempty"`
	NewStatus           string `json:"new_status"`
	IsRunning           bool   `json:"is_running"`
	CurrentPhaseID      string `json:"current_phase_id,omitempty"`
	CurrentPhaseMessage string `json:"current_phase_message,omitempty"`
}

// PhaseUpdateEvent reports incremental progress within one stage of one
// task.
type PhaseUpdateEvent struct {
	TaskID     string `json:"task_id"`
	StageID    string `json:"stage_id"`
	Status     string `json:"status"` // pending|active|in_progress|completed|skipped|failed
	Message    string `json:"message,omitempty"`
	ItemID     string `json:"item_id,omitempty"` // empty for aggregate/global stages
	Processed  int    `json:"processed_count"`
	Total      int    `json:"total_count"`
	ErrorCount int    `json:"error_count"`
	ETASeconds int    `json:"eta_seconds,omitempty"`
}

// PhaseCompleteEvent marks a stage finished for a task, successfully or
// not.
type PhaseCompleteEvent struct {
	TaskID          string  `json:"task_id"`
	StageID         string  `json:"stage_id"`
	Status          string  `json:"status"` // completed|skipped|failed
	Processed       int     `json:"processed_count"`
	Total           int     `json:"total_count"`
	ErrorCount      int     `json:"error_count"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// LogEvent mirrors an appended task_logs row onto the bus for live
// subscribers.
type LogEvent struct {
	TaskID    string `json:"task_id"`
	Sequence  int64  `json:"sequence"`
	Level     string `json:"level"`
	Component string `json:"component,omitempty"`
	Message   string `json:"message"`
	StageID   string `json:"stage_id,omitempty"`
	ItemID    string `json:"item_id,omitempty"`
}

// TaskCompletedEvent is the terminal notification, published
// for every terminal status including CANCELLED and FAILED.
type TaskCompletedEvent struct {
	TaskID          string  `json:"task_id"`
	Status          string  `json:"status"`
	ResultSummary   string  `json:"result_summary,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// TaskErrorEvent is the terminal failure notification, carrying the
// closed error-kind taxonomy (internal/store.ErrorKind*).
type TaskErrorEvent struct {
	TaskID    string `json:"task_id"`
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

// TaskCancelEvent is the ephemeral cancellation signal published by the
// Task Controller alongside the durable cancel_requested flag. Workers
// treat it as a hint; the flag on the task record is authoritative.
type TaskCancelEvent struct {
	TaskID string `json:"task_id"`
}

// DeliveryExpiredEvent is published by the Message Bus's lease-tracking
// ZSET sweep when a delivery's lease elapses without an ack,
// so the Reaper can reclaim the task.
type DeliveryExpiredEvent struct {
	TaskID     string `json:"task_id"`
	DeliveryID string `json:"delivery_id"`
}

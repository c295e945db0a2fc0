package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GenerationTask statuses. disconnected means the producer lost its last live
// consumer but keeps running; it is not terminal.
const (
	TaskStatusInitializing = "initializing"
	TaskStatusStreaming    = "streaming"
	TaskStatusDisconnected = "disconnected"
	TaskStatusCompleted    = "completed"
	TaskStatusFailed       = "failed"
)

// TaskNonTerminalStatuses is the claim set for conditional status transitions.
var TaskNonTerminalStatuses = []string{TaskStatusInitializing, TaskStatusStreaming, TaskStatusDisconnected}

func TaskStatusTerminal(status string) bool {
	return status == TaskStatusCompleted || status == TaskStatusFailed
}

// GenerationTask is the durable record of one LLM generation attempt. The
// fragment text itself lives in the fragment log keyed by task ID; this row
// carries ownership, status, generation parameters and terminal metadata so a
// reconnecting client can resume after a process restart.
type GenerationTask struct {
	ID        uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ThreadID  uuid.UUID  `gorm:"type:uuid;not null;index" json:"thread_id"`
	UserID    uuid.UUID  `gorm:"type:uuid;not null;index" json:"user_id"`
	MessageID *uuid.UUID `gorm:"type:uuid;column:message_id;index" json:"message_id,omitempty"`

	Status string `gorm:"column:status;not null;default:'initializing';index" json:"status"`

	// Generation parameters; immutable once set.
	Model        string   `gorm:"column:model;not null" json:"model"`
	SystemPrompt string   `gorm:"column:system_prompt;type:text;not null;default:''" json:"system_prompt,omitempty"`
	Temperature  *float64 `gorm:"column:temperature" json:"temperature,omitempty"`
	MaxTokens    int      `gorm:"column:max_tokens;not null;default:0" json:"max_tokens,omitempty"`

	// Cursor counts fragments appended so far. Kept authoritative in the
	// fragment log while streaming; persisted here on terminal transition.
	Cursor int `gorm:"column:cursor;not null;default:0" json:"cursor"`

	FinishReason string `gorm:"column:finish_reason;not null;default:''" json:"finish_reason,omitempty"`

	ErrorMessage   string `gorm:"column:error_message;not null;default:''" json:"error_message,omitempty"`
	ErrorCode      string `gorm:"column:error_code;not null;default:''" json:"error_code,omitempty"`
	ErrorRetryable bool   `gorm:"column:error_retryable;not null;default:false" json:"error_retryable,omitempty"`

	StartedAt      time.Time  `gorm:"column:started_at;not null;default:now();index" json:"started_at"`
	LastFragmentAt *time.Time `gorm:"column:last_fragment_at;index" json:"last_fragment_at,omitempty"`
	CompletedAt    *time.Time `gorm:"column:completed_at;index" json:"completed_at,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (GenerationTask) TableName() string { return "generation_task" }

// Err assembles the structured task error, or nil when the task has none.
func (t *GenerationTask) Err() *TaskError {
	if t == nil || (t.ErrorMessage == "" && t.ErrorCode == "") {
		return nil
	}
	return &TaskError{Message: t.ErrorMessage, Code: t.ErrorCode, Retryable: t.ErrorRetryable}
}

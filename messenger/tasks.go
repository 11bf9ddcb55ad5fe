package messenger

import (
	"time"

	"github.com/google/uuid"
)

// TaskKind names a durable local action.
type TaskKind string

const (
	TaskDeleteHistory TaskKind = "delete_history"
	TaskPinDialog     TaskKind = "pin_dialog"
	TaskReorderPinned TaskKind = "reorder_pinned"
	TaskFolderMove    TaskKind = "folder_move"
)

// PendingTask is a local action recorded before its RPC so it can be
// resumed after a restart.
type PendingTask struct {
	ID        string     `json:"id"`
	Kind      TaskKind   `json:"kind"`
	Dialog    DialogID   `json:"dialog,omitempty"`
	Channel   bool       `json:"channel,omitempty"`
	MaxID     int        `json:"max_id,omitempty"`
	Pinned    bool       `json:"pinned,omitempty"`
	FolderID  int        `json:"folder_id,omitempty"`
	Order     []DialogID `json:"order,omitempty"`
	CreatedAt int64      `json:"created_at"`
}

func newTask(kind TaskKind, now time.Time) PendingTask {
	return PendingTask{
		ID:        uuid.NewString(),
		Kind:      kind,
		CreatedAt: now.Unix(),
	}
}

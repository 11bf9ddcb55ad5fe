package messenger

// Storage is the durable cache behind the engine. Writes are issued from
// the engine's store queue; a failed write is logged and never blocks
// the in-memory model.
type Storage interface {
	LoadSyncState() (State, error)
	SaveSyncState(st State) error

	ChannelPts() (map[int64]int, error)
	SaveChannelPts(channelID int64, pts int) error

	Dialogs() ([]Dialog, error)
	PutDialogs(dialogs []Dialog) error
	DeleteDialog(id DialogID) error
	DialogReadMax(id DialogID) (inbox, outbox int, err error)

	PutMessages(msgs []Message) error
	MarkMessagesAsDeleted(dialog DialogID, ids []int) error
	UpdateDialogsWithDeletedMessages(dialogs []Dialog) error

	CreatePendingTask(task PendingTask) error
	RemovePendingTask(id string) error
	PendingTasks() ([]PendingTask, error)
}

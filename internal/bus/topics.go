package bus

// Task topics fire on any change to the merged read view.
const (
	TopicTaskChanged = "task.changed"
	TopicTaskDeleted = "task.deleted"
)

// Sync topics track the engine's cycle and per-operation outcomes.
const (
	TopicSyncState      = "sync.state"
	TopicSyncOpSucceeded = "sync.op.succeeded"
	TopicSyncOpFailed    = "sync.op.failed"
	TopicSyncOpRejected  = "sync.op.rejected"
)

// Connectivity topics carry online/offline transitions.
const (
	TopicConnectivity = "connectivity.changed"
)

// TaskChangedEvent is published when a task becomes visible, changes, or
// disappears from the merged view.
type TaskChangedEvent struct {
	ID     string // task id
	Source string // "local" for user edits, "remote" for sync-applied state
}

// SyncStateEvent is published when the engine's aggregate state changes.
type SyncStateEvent struct {
	State        string // synced | syncing | offline | error
	PendingCount int
	LastError    string
}

// SyncOpEvent is published per drained operation.
type SyncOpEvent struct {
	EntityID string
	Kind     string
	Attempt  int
	Error    string // empty on success
}

// ConnectivityEvent is published on online/offline edges.
type ConnectivityEvent struct {
	Online bool
}

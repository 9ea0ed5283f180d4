package bus

import "time"

// Event kinds published by the daemon. Subscribers filter by prefix,
// e.g. "store." receives every store change notification.
const (
	KindStatusChanged   = "session.status_changed"
	KindDialogsChanged  = "store.dialogs_changed"
	KindMessagesChanged = "store.messages_changed"
	KindDownloadDone    = "download.completed"
	KindDownloadFailed  = "download.failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// DialogsChangedPayload lists dialog ids touched by a store write.
type DialogsChangedPayload struct {
	DialogIDs []int64
}

// MessagesChangedPayload identifies the dialog whose timeline changed.
type MessagesChangedPayload struct {
	DialogID int64
}

// DownloadPayload identifies the message a download task belonged to.
type DownloadPayload struct {
	DialogID int64
	MsgID    int64
}

// Package remote defines the boundary to the messaging service and the
// fetch coalescing layer in front of it.
package remote

import (
	"context"

	"github.com/tgmirror/tgmirror/internal/store"
)

// Peer describes one dialog peer as reported by a remote page. Pointer
// fields are optional and merge onto stored state via store.DialogPatch.
type Peer struct {
	ID            int64
	Kind          string // user, group, channel
	Title         string
	AccessHash    int64
	Username      string
	Pinned        *bool
	PinRank       *int
	Archived      *bool
	FolderID      *int
	LastMessageAt int64
	TopMessageID  int64
}

// Cursor carries the remote paging position for the dialog list.
type Cursor struct {
	OffsetDate int
	OffsetID   int
	OffsetPeer int64
}

// PeersPage is one page of the remote dialog list.
type PeersPage struct {
	Peers      []Peer
	Users      []store.UserPatch
	NextCursor Cursor
	HasMore    bool
}

// TopMessage pairs a dialog with its newest message.
type TopMessage struct {
	DialogID int64
	Message  *store.MessagePatch
}

// Attachment is a downloaded media payload.
type Attachment struct {
	Data []byte
	Mime string
}

// Client is the remote messaging service boundary. Every method may
// return a FloodWaitError carrying the service's demanded wait.
type Client interface {
	// FetchHistory returns up to limit messages of a dialog strictly
	// older than beforeID (0 = from the top).
	FetchHistory(ctx context.Context, dialogID int64, limit int, beforeID int64) ([]store.MessagePatch, error)
	// FetchPeersPage returns the next page of the dialog list.
	FetchPeersPage(ctx context.Context, cursor Cursor, limit int) (*PeersPage, error)
	// FetchEntityBatchTop resolves the newest message for several
	// dialogs in one round trip. Missing dialogs are absent from the
	// result, not errors.
	FetchEntityBatchTop(ctx context.Context, dialogIDs []int64) ([]TopMessage, error)
	// DownloadAttachment fetches the full media payload of a message.
	DownloadAttachment(ctx context.Context, dialogID, msgID int64) (*Attachment, error)
	// ResolveEntity refreshes a peer's identity from the service.
	ResolveEntity(ctx context.Context, dialogID int64) (*Peer, error)
	// JoinChannel joins a channel the account can see but is not a
	// member of. Used by the prefetcher's empty-channel retry.
	JoinChannel(ctx context.Context, dialogID int64) error
}

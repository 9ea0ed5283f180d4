package store

// Span is a rich-text entity inside a message body.
type Span struct {
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	Kind   string `json:"kind"`
	URL    string `json:"url,omitempty"`
}

// User represents a known peer identity.
type User struct {
	ID            int64
	Username      *string
	FirstName     *string
	LastName      *string
	AvatarSmall   []byte
	AvatarPhotoID *int64
	UpdatedAt     int64
}

// DisplayName renders "First Last", falling back to username.
func (u *User) DisplayName() string {
	name := ""
	if u.FirstName != nil {
		name = *u.FirstName
	}
	if u.LastName != nil && *u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += *u.LastName
	}
	if name == "" && u.Username != nil {
		name = *u.Username
	}
	return name
}

// Dialog represents a conversation thread with one peer.
type Dialog struct {
	ID            int64
	Title         string
	Kind          string // user, group, channel
	Pinned        bool
	PinRank       *int
	Archived      bool
	FolderID      *int
	Muted         bool
	MuteUntil     *int64
	LastMessageAt int64
	LastMessageID *int64
	LastPreview   string
	LastOut       bool
	LastFromName  *string
	AvatarSmall   []byte
	AvatarPhotoID *int64
	UpdatedAt     int64
}

// Message represents a stored message, keyed by (dialog_id, msg_id).
type Message struct {
	DialogID      int64
	MsgID         int64
	Date          int64
	Out           bool
	FromID        *int64
	SenderName    *string
	Text          *string
	ReplyToMsgID  *int64
	Entities      []Span
	ForwardedFrom *string
	GroupedID     *int64
	MediaType     *string // photo, video, video_note, audio, voice, sticker, document, animation, unknown
	MediaMime     *string
	MediaSize     *int64
	MediaDuration *int
	MediaWidth    *int
	MediaHeight   *int
	FileName      *string
	MediaThumb    []byte
	MediaBlob     []byte
	ServiceType   *string // phone_call, video_chat
	CallVideo     *bool
	CallOutgoing  *bool
	CallReason    *string // missed, declined, busy, ended
	CallDuration  *int
	Edited        bool
	EditVersion   int
	EditedAt      *int64
	Deleted       bool
}

// MessageVersion captures a message's text at a specific edit version.
type MessageVersion struct {
	DialogID int64
	MsgID    int64
	Version  int
	Date     int64
	EditedAt *int64
	Text     string
}

// UserPatch is a partial user update. Nil fields keep the stored value.
type UserPatch struct {
	ID            int64
	Username      *string
	FirstName     *string
	LastName      *string
	AvatarSmall   []byte
	AvatarPhotoID *int64
}

// DialogPatch is a partial dialog update. Nil fields keep the stored value.
// Pinned=false is the only way to clear a pin, and it clears PinRank too.
type DialogPatch struct {
	ID            int64
	Title         *string
	Kind          *string
	Pinned        *bool
	PinRank       *int
	Archived      *bool
	FolderID      *int
	Muted         *bool
	MuteUntil     *int64
	LastMessageAt *int64
	AvatarSmall   []byte
	AvatarPhotoID *int64
}

// MessagePatch is a partial message update. Nil fields keep the stored
// value; a non-nil Text that differs from the stored text advances the
// edit version.
type MessagePatch struct {
	MsgID         int64
	Date          int64
	Out           *bool
	FromID        *int64
	SenderName    *string
	Text          *string
	ReplyToMsgID  *int64
	Entities      []Span
	ForwardedFrom *string
	GroupedID     *int64
	MediaType     *string
	MediaMime     *string
	MediaSize     *int64
	MediaDuration *int
	MediaWidth    *int
	MediaHeight   *int
	FileName      *string
	MediaThumb    []byte
	ServiceType   *string
	CallVideo     *bool
	CallOutgoing  *bool
	CallReason    *string
	CallDuration  *int
	Edited        *bool
	EditedAt      *int64
	Deleted       *bool
}

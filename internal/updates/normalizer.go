// Package updates normalizes heterogeneous realtime update payloads into
// canonical store mutations.
package updates

import (
	"context"
	"time"

	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/tgmirror/tgmirror/internal/config"
	"github.com/tgmirror/tgmirror/internal/store"
	"github.com/tgmirror/tgmirror/internal/telegram"
)

// Enqueuer is the slice of the download queue the normalizer needs.
type Enqueuer interface {
	Enqueue(dialogID, msgID int64, priority int)
}

// mediaPriority is the queue priority for media arriving via updates:
// above background prefetch, below anything the UI requests directly.
const mediaPriority = 2

// Normalizer is a stateless dispatcher over update payloads. Every event
// is handled independently; convergence under concurrent arrival relies
// on the store's merge semantics.
type Normalizer struct {
	db     *store.DB
	queue  Enqueuer
	auto   config.AutoDownload
	logger *zap.Logger
}

// New creates a normalizer. queue may be nil (media never enqueued).
func New(db *store.DB, queue Enqueuer, auto config.AutoDownload, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{db: db, queue: queue, auto: auto, logger: logger}
}

// Apply dispatches one raw update payload. Containers are unwrapped
// recursively; unrecognized shapes are ignored. Errors are logged and
// swallowed: a malformed or unprocessable event must never stop the
// stream.
func (n *Normalizer) Apply(ctx context.Context, u tg.UpdatesClass) {
	switch v := u.(type) {
	case *tg.Updates:
		n.applyEntities(v.Users, v.Chats)
		for _, upd := range v.Updates {
			n.applyUpdate(ctx, upd)
		}
	case *tg.UpdatesCombined:
		n.applyEntities(v.Users, v.Chats)
		for _, upd := range v.Updates {
			n.applyUpdate(ctx, upd)
		}
	case *tg.UpdateShort:
		n.applyUpdate(ctx, v.Update)
	case *tg.UpdateShortMessage:
		n.applyShortMessage(v)
	case *tg.UpdateShortChatMessage:
		n.applyShortChatMessage(v)
	case *tg.UpdateShortSentMessage:
		// Send confirmation without peer context: nothing to file it
		// under, dropped by design of the short form.
	default:
		n.logger.Debug("ignoring update container", zap.String("type", u.TypeName()))
	}
}

func (n *Normalizer) applyEntities(users []tg.UserClass, chats []tg.ChatClass) {
	if patches := telegram.ParseUsers(users); len(patches) > 0 {
		if err := n.db.UpsertUsers(patches); err != nil {
			n.logger.Warn("user upsert from update failed", zap.Error(err))
		}
	}
	var dialogPatches []store.DialogPatch
	for _, cc := range chats {
		if id, kind, title, ok := telegram.ChatKind(cc); ok {
			k, t := kind, title
			dialogPatches = append(dialogPatches, store.DialogPatch{ID: id, Kind: &k, Title: &t})
		}
	}
	if len(dialogPatches) > 0 {
		if err := n.db.UpsertDialogs(dialogPatches); err != nil {
			n.logger.Warn("dialog upsert from update failed", zap.Error(err))
		}
	}
}

func (n *Normalizer) applyUpdate(ctx context.Context, u tg.UpdateClass) {
	switch v := u.(type) {
	case *tg.UpdateNewMessage:
		n.applyMessage(v.Message, false)
	case *tg.UpdateNewChannelMessage:
		n.applyMessage(v.Message, false)
	case *tg.UpdateEditMessage:
		n.applyMessage(v.Message, true)
	case *tg.UpdateEditChannelMessage:
		n.applyMessage(v.Message, true)
	case *tg.UpdateDeleteMessages:
		n.applyDelete(0, v.Messages)
	case *tg.UpdateDeleteChannelMessages:
		n.applyDelete(v.ChannelID, v.Messages)
	case *tg.UpdateDialogPinned:
		n.applyPinned(v)
	case *tg.UpdatePinnedDialogs:
		n.applyPinnedOrder(v)
	case *tg.UpdateNotifySettings:
		n.applyNotifySettings(v)
	default:
		n.logger.Debug("ignoring update", zap.String("type", u.TypeName()))
	}
}

// applyMessage files a full message entity. Edits are applied as merges
// so text-version bookkeeping in the store triggers naturally.
func (n *Normalizer) applyMessage(mc tg.MessageClass, edit bool) {
	dialogID, p, ok := telegram.ParseMessage(mc)
	if !ok {
		// Expected occasionally: not enough context to file the event.
		return
	}
	if edit {
		t := true
		p.Edited = &t
		if p.EditedAt == nil {
			at := p.Date
			p.EditedAt = &at
		}
	}
	if err := n.db.UpsertMessages(dialogID, []store.MessagePatch{p}); err != nil {
		n.logger.Warn("message upsert failed",
			zap.Int64("dialog_id", dialogID), zap.Int64("msg_id", p.MsgID), zap.Error(err))
		return
	}
	n.maybeEnqueueMedia(dialogID, p)
}

func (n *Normalizer) applyShortMessage(v *tg.UpdateShortMessage) {
	if v.UserID == 0 || v.ID == 0 {
		return
	}
	p := store.MessagePatch{
		MsgID: int64(v.ID),
		Date:  int64(v.Date),
		Out:   &v.Out,
		Text:  &v.Message,
	}
	if !v.Out {
		from := v.UserID
		p.FromID = &from
	}
	if reply, ok := v.GetReplyTo(); ok {
		if h, ok := reply.(*tg.MessageReplyHeader); ok {
			if id, ok := h.GetReplyToMsgID(); ok {
				rid := int64(id)
				p.ReplyToMsgID = &rid
			}
		}
	}
	if err := n.db.UpsertMessages(v.UserID, []store.MessagePatch{p}); err != nil {
		n.logger.Warn("short message upsert failed", zap.Int64("dialog_id", v.UserID), zap.Error(err))
	}
}

func (n *Normalizer) applyShortChatMessage(v *tg.UpdateShortChatMessage) {
	if v.ChatID == 0 || v.ID == 0 {
		return
	}
	p := store.MessagePatch{
		MsgID: int64(v.ID),
		Date:  int64(v.Date),
		Out:   &v.Out,
		Text:  &v.Message,
	}
	if v.FromID != 0 {
		from := v.FromID
		p.FromID = &from
	}
	if err := n.db.UpsertMessages(v.ChatID, []store.MessagePatch{p}); err != nil {
		n.logger.Warn("short chat message upsert failed", zap.Int64("dialog_id", v.ChatID), zap.Error(err))
	}
}

// applyDelete marks messages deleted. Without a channel id the owning
// dialogs are discovered from the store, grouping deletions per dialog;
// ids the store does not know are dropped silently.
func (n *Normalizer) applyDelete(channelID int64, ids []int) {
	msgIDs := make([]int64, 0, len(ids))
	for _, id := range ids {
		msgIDs = append(msgIDs, int64(id))
	}
	if channelID != 0 {
		if err := n.db.MarkDeleted(channelID, msgIDs); err != nil {
			n.logger.Warn("delete failed", zap.Int64("dialog_id", channelID), zap.Error(err))
		}
		return
	}
	owners, err := n.db.FindOwningDialogs(msgIDs)
	if err != nil {
		n.logger.Warn("owning dialog lookup failed", zap.Error(err))
		return
	}
	for dialogID, ids := range owners {
		if err := n.db.MarkDeleted(dialogID, ids); err != nil {
			n.logger.Warn("delete failed", zap.Int64("dialog_id", dialogID), zap.Error(err))
		}
	}
}

func (n *Normalizer) applyPinned(v *tg.UpdateDialogPinned) {
	dp, ok := v.Peer.(*tg.DialogPeer)
	if !ok {
		return
	}
	dialogID := telegram.PeerID(dp.Peer)
	if dialogID == 0 {
		return
	}
	pinned := v.Pinned
	if err := n.db.UpsertDialogs([]store.DialogPatch{{ID: dialogID, Pinned: &pinned}}); err != nil {
		n.logger.Warn("pin update failed", zap.Int64("dialog_id", dialogID), zap.Error(err))
	}
}

func (n *Normalizer) applyPinnedOrder(v *tg.UpdatePinnedDialogs) {
	order, ok := v.GetOrder()
	if !ok {
		return
	}
	var patches []store.DialogPatch
	for rank, pc := range order {
		dp, ok := pc.(*tg.DialogPeer)
		if !ok {
			continue
		}
		dialogID := telegram.PeerID(dp.Peer)
		if dialogID == 0 {
			continue
		}
		pinned := true
		r := rank
		patches = append(patches, store.DialogPatch{ID: dialogID, Pinned: &pinned, PinRank: &r})
	}
	if len(patches) > 0 {
		if err := n.db.UpsertDialogs(patches); err != nil {
			n.logger.Warn("pinned order update failed", zap.Error(err))
		}
	}
}

func (n *Normalizer) applyNotifySettings(v *tg.UpdateNotifySettings) {
	np, ok := v.Peer.(*tg.NotifyPeer)
	if !ok {
		return
	}
	dialogID := telegram.PeerID(np.Peer)
	if dialogID == 0 {
		return
	}
	patch := store.DialogPatch{ID: dialogID}
	muted := false
	if until, ok := v.NotifySettings.GetMuteUntil(); ok {
		u := int64(until)
		patch.MuteUntil = &u
		muted = u > time.Now().Unix()
	}
	patch.Muted = &muted
	if err := n.db.UpsertDialogs([]store.DialogPatch{patch}); err != nil {
		n.logger.Warn("notify settings update failed", zap.Int64("dialog_id", dialogID), zap.Error(err))
	}
}

// maybeEnqueueMedia schedules a download when the message carries media
// and the auto-download policy for the dialog's kind allows it.
func (n *Normalizer) maybeEnqueueMedia(dialogID int64, p store.MessagePatch) {
	if n.queue == nil || p.MediaType == nil || *p.MediaType == "unknown" {
		return
	}
	kind := "user"
	if d, err := n.db.GetDialog(dialogID); err == nil && d != nil {
		kind = d.Kind
	}
	if !n.auto.Allows(kind) {
		return
	}
	n.queue.Enqueue(dialogID, p.MsgID, mediaPriority)
}

package updates

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/gotd/td/tg"

	"github.com/tgmirror/tgmirror/internal/config"
	"github.com/tgmirror/tgmirror/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type fakeQueue struct {
	enqueued []string
}

func (q *fakeQueue) Enqueue(dialogID, msgID int64, priority int) {
	q.enqueued = append(q.enqueued, keyOf(dialogID, msgID))
}

func keyOf(d, m int64) string {
	return fmt.Sprintf("%d:%d", d, m)
}

func allDownloads() config.AutoDownload {
	return config.AutoDownload{Users: true, Groups: true, Channels: true}
}

func newMessage(dialogID int64, msgID int, date int, text string) *tg.UpdateNewMessage {
	return &tg.UpdateNewMessage{Message: &tg.Message{
		ID:      msgID,
		Date:    date,
		Message: text,
		PeerID:  &tg.PeerUser{UserID: dialogID},
	}}
}

func TestContainerUnwrapping(t *testing.T) {
	db := testDB(t)
	n := New(db, nil, allDownloads(), nil)

	first := "Alice"
	user := &tg.User{ID: 42}
	user.SetFirstName(first)

	n.Apply(context.Background(), &tg.Updates{
		Users: []tg.UserClass{user},
		Updates: []tg.UpdateClass{
			newMessage(7, 100, 1000, "hi"),
			newMessage(7, 101, 1001, "again"),
		},
	})

	u, _ := db.GetUser(42)
	if u == nil || u.FirstName == nil || *u.FirstName != "Alice" {
		t.Errorf("user from container entities not stored: %+v", u)
	}
	m, _ := db.GetMessage(7, 100)
	if m == nil || m.Text == nil || *m.Text != "hi" {
		t.Errorf("message from container not stored: %+v", m)
	}
	if m2, _ := db.GetMessage(7, 101); m2 == nil {
		t.Error("second contained update not applied")
	}
}

func TestNestedShortUpdate(t *testing.T) {
	db := testDB(t)
	n := New(db, nil, allDownloads(), nil)

	n.Apply(context.Background(), &tg.UpdateShort{
		Update: newMessage(3, 5, 50, "nested"),
		Date:   50,
	})
	if m, _ := db.GetMessage(3, 5); m == nil {
		t.Error("update inside UpdateShort not applied")
	}
}

func TestShortMessage(t *testing.T) {
	db := testDB(t)
	n := New(db, nil, allDownloads(), nil)

	n.Apply(context.Background(), &tg.UpdateShortMessage{
		ID:      200,
		UserID:  9,
		Message: "short form",
		Date:    2000,
	})

	m, _ := db.GetMessage(9, 200)
	if m == nil {
		t.Fatal("short message not stored")
	}
	if m.Text == nil || *m.Text != "short form" {
		t.Errorf("text = %v", m.Text)
	}
	if m.FromID == nil || *m.FromID != 9 {
		t.Errorf("fromID = %v, want sender 9 for incoming short message", m.FromID)
	}
}

func TestShortMessageCarriesReply(t *testing.T) {
	db := testDB(t)
	n := New(db, nil, allDownloads(), nil)

	short := &tg.UpdateShortMessage{
		ID:      201,
		UserID:  9,
		Message: "sure",
		Date:    2100,
	}
	header := tg.MessageReplyHeader{}
	header.SetReplyToMsgID(200)
	short.SetReplyTo(&header)

	n.Apply(context.Background(), short)

	m, _ := db.GetMessage(9, 201)
	if m == nil {
		t.Fatal("short message not stored")
	}
	if m.ReplyToMsgID == nil || *m.ReplyToMsgID != 200 {
		t.Errorf("replyToMsgID = %v, want 200", m.ReplyToMsgID)
	}
}

func TestShortSentMessageDropped(t *testing.T) {
	db := testDB(t)
	n := New(db, nil, allDownloads(), nil)

	// Carries no peer: must be silently dropped, not an error.
	n.Apply(context.Background(), &tg.UpdateShortSentMessage{ID: 7, Date: 70})

	dialogs, _ := db.ListDialogs(10, 0)
	if len(dialogs) != 0 {
		t.Errorf("short sent confirmation created state: %+v", dialogs)
	}
}

func TestEditTriggersVersionBump(t *testing.T) {
	db := testDB(t)
	n := New(db, nil, allDownloads(), nil)
	ctx := context.Background()

	n.Apply(ctx, newMessageContainer(7, 100, 1000, "hi"))

	edited := &tg.Message{ID: 100, Date: 1000, Message: "hello", PeerID: &tg.PeerUser{UserID: 7}}
	edited.SetEditDate(1100)
	n.Apply(ctx, &tg.Updates{Updates: []tg.UpdateClass{&tg.UpdateEditMessage{Message: edited}}})

	m, _ := db.GetMessage(7, 100)
	if m.EditVersion != 2 {
		t.Errorf("editVersion = %d, want 2 after edit", m.EditVersion)
	}
	if !m.Edited || m.EditedAt == nil || *m.EditedAt != 1100 {
		t.Errorf("edited/editedAt = %v/%v", m.Edited, m.EditedAt)
	}
	versions, _ := db.ListVersions(7, 100)
	if len(versions) != 2 || versions[1].Text != "hello" {
		t.Errorf("versions = %+v", versions)
	}
}

func newMessageContainer(dialogID int64, msgID, date int, text string) *tg.Updates {
	return &tg.Updates{Updates: []tg.UpdateClass{newMessage(dialogID, msgID, date, text)}}
}

func TestDeleteWithChannelID(t *testing.T) {
	db := testDB(t)
	n := New(db, nil, allDownloads(), nil)
	ctx := context.Background()

	n.Apply(ctx, newMessageContainer(5, 1, 10, "gone soon"))
	n.Apply(ctx, &tg.Updates{Updates: []tg.UpdateClass{
		&tg.UpdateDeleteChannelMessages{ChannelID: 5, Messages: []int{1}},
	}})

	m, _ := db.GetMessage(5, 1)
	if !m.Deleted {
		t.Error("channel delete not applied")
	}
}

func TestDeleteFallbackDiscoversDialogs(t *testing.T) {
	db := testDB(t)
	n := New(db, nil, allDownloads(), nil)
	ctx := context.Background()

	n.Apply(ctx, newMessageContainer(7, 100, 10, "a"))
	n.Apply(ctx, newMessageContainer(8, 200, 10, "b"))

	// No peer on the event: owning dialogs come from the store.
	n.Apply(ctx, &tg.Updates{Updates: []tg.UpdateClass{
		&tg.UpdateDeleteMessages{Messages: []int{100, 200, 999}},
	}})

	m1, _ := db.GetMessage(7, 100)
	m2, _ := db.GetMessage(8, 200)
	if !m1.Deleted || !m2.Deleted {
		t.Errorf("fallback delete missed: %v %v", m1.Deleted, m2.Deleted)
	}
}

func TestDialogPinnedAndUnpinned(t *testing.T) {
	db := testDB(t)
	n := New(db, nil, allDownloads(), nil)
	ctx := context.Background()

	if err := db.UpsertDialogs([]store.DialogPatch{{ID: 7}}); err != nil {
		t.Fatal(err)
	}
	n.Apply(ctx, &tg.Updates{Updates: []tg.UpdateClass{
		&tg.UpdateDialogPinned{Pinned: true, Peer: &tg.DialogPeer{Peer: &tg.PeerUser{UserID: 7}}},
	}})
	d, _ := db.GetDialog(7)
	if !d.Pinned {
		t.Error("pin update not applied")
	}

	n.Apply(ctx, &tg.Updates{Updates: []tg.UpdateClass{
		&tg.UpdateDialogPinned{Pinned: false, Peer: &tg.DialogPeer{Peer: &tg.PeerUser{UserID: 7}}},
	}})
	d, _ = db.GetDialog(7)
	if d.Pinned || d.PinRank != nil {
		t.Error("unpin did not clear pin state")
	}
}

func TestPinnedOrder(t *testing.T) {
	db := testDB(t)
	n := New(db, nil, allDownloads(), nil)

	upd := &tg.UpdatePinnedDialogs{}
	upd.SetOrder([]tg.DialogPeerClass{
		&tg.DialogPeer{Peer: &tg.PeerUser{UserID: 4}},
		&tg.DialogPeer{Peer: &tg.PeerUser{UserID: 5}},
	})
	n.Apply(context.Background(), &tg.Updates{Updates: []tg.UpdateClass{upd}})

	d4, _ := db.GetDialog(4)
	d5, _ := db.GetDialog(5)
	if !d4.Pinned || d4.PinRank == nil || *d4.PinRank != 0 {
		t.Errorf("d4 = %+v", d4)
	}
	if !d5.Pinned || d5.PinRank == nil || *d5.PinRank != 1 {
		t.Errorf("d5 = %+v", d5)
	}
}

func TestNotifySettings(t *testing.T) {
	db := testDB(t)
	n := New(db, nil, allDownloads(), nil)

	settings := tg.PeerNotifySettings{}
	settings.SetMuteUntil(1<<31 - 1)
	n.Apply(context.Background(), &tg.Updates{Updates: []tg.UpdateClass{
		&tg.UpdateNotifySettings{
			Peer:           &tg.NotifyPeer{Peer: &tg.PeerUser{UserID: 7}},
			NotifySettings: settings,
		},
	}})

	d, _ := db.GetDialog(7)
	if d == nil || !d.Muted {
		t.Errorf("mute not applied: %+v", d)
	}
	if d.MuteUntil == nil || *d.MuteUntil != 1<<31-1 {
		t.Errorf("muteUntil = %v", d.MuteUntil)
	}
}

func TestMediaEnqueuedPerPolicy(t *testing.T) {
	db := testDB(t)
	q := &fakeQueue{}
	n := New(db, q, config.AutoDownload{Users: true}, nil)
	ctx := context.Background()

	photo := &tg.Message{ID: 1, Date: 10, PeerID: &tg.PeerUser{UserID: 7}}
	media := &tg.MessageMediaPhoto{}
	media.SetPhoto(&tg.Photo{ID: 99})
	photo.SetMedia(media)
	n.Apply(ctx, &tg.Updates{Updates: []tg.UpdateClass{&tg.UpdateNewMessage{Message: photo}}})

	if len(q.enqueued) != 1 {
		t.Fatalf("enqueued = %v, want one download", q.enqueued)
	}

	// Policy off for groups: same media in a group dialog stays out.
	kind := "group"
	_ = db.UpsertDialogs([]store.DialogPatch{{ID: 20, Kind: &kind}})
	groupPhoto := &tg.Message{ID: 2, Date: 10, PeerID: &tg.PeerChat{ChatID: 20}}
	media2 := &tg.MessageMediaPhoto{}
	media2.SetPhoto(&tg.Photo{ID: 98})
	groupPhoto.SetMedia(media2)
	n.Apply(ctx, &tg.Updates{Updates: []tg.UpdateClass{&tg.UpdateNewMessage{Message: groupPhoto}}})

	if len(q.enqueued) != 1 {
		t.Errorf("enqueued = %v, group media should be skipped", q.enqueued)
	}
}

func TestUnknownUpdatesIgnored(t *testing.T) {
	db := testDB(t)
	n := New(db, nil, allDownloads(), nil)

	n.Apply(context.Background(), &tg.Updates{Updates: []tg.UpdateClass{
		&tg.UpdateUserTyping{UserID: 1},
		&tg.UpdateChatUserTyping{ChatID: 2},
	}})
	// Nothing stored, nothing panicked.
	dialogs, _ := db.ListDialogs(10, 0)
	if len(dialogs) != 0 {
		t.Errorf("unknown updates created state: %+v", dialogs)
	}
}

package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertMessages merges a batch of message patches for one dialog inside a
// single transaction, maintaining edit versions and the dialog's preview.
//
// Insert: a new message with text gets edit version 1 and an initial
// version row; without text, version 0. Merge: nil patch fields keep
// stored values; a text change bumps the edit version and appends a
// version row. The dialog preview is recomputed from the newest message
// in the batch by date, and never moves backwards in time.
func (db *DB) UpsertMessages(dialogID int64, patches []MessagePatch) error {
	if dialogID == 0 || len(patches) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	changed := false
	var newest *Message
	for _, p := range patches {
		if p.MsgID == 0 {
			continue
		}
		prev, err := getMessageTx(tx, dialogID, p.MsgID)
		if err != nil {
			return err
		}
		merged := mergeMessage(dialogID, prev, p)

		if prev == nil {
			if merged.Text != nil {
				merged.EditVersion = 1
				if err := putVersionTx(tx, versionOf(merged)); err != nil {
					return err
				}
			}
			if err := putMessageTx(tx, merged); err != nil {
				return err
			}
			changed = true
		} else {
			if merged.Text != nil && !eqStr(prev.Text, merged.Text) {
				merged.EditVersion = prev.EditVersion + 1
				if err := putVersionTx(tx, versionOf(merged)); err != nil {
					return err
				}
			}
			if !sameMessage(prev, merged) {
				if err := putMessageTx(tx, merged); err != nil {
					return err
				}
				changed = true
			}
		}
		if newest == nil || merged.Date > newest.Date {
			newest = merged
		}
	}

	dialogChanged := false
	if newest != nil {
		dialogChanged, err = refreshDialogPreview(tx, dialogID, newest)
		if err != nil {
			return err
		}
	}
	if !changed && !dialogChanged {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if changed {
		db.notifyMessages(dialogID)
	}
	if dialogChanged {
		db.notifyDialogs([]int64{dialogID})
	}
	return nil
}

// MarkDeleted flags existing messages as deleted. Unknown ids and already
// deleted messages are ignored.
func (db *DB) MarkDeleted(dialogID int64, msgIDs []int64) error {
	if dialogID == 0 || len(msgIDs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	changed := false
	for _, mid := range msgIDs {
		res, err := tx.Exec(`
			UPDATE messages SET deleted = 1
			WHERE dialog_id = ? AND msg_id = ? AND deleted = 0`, dialogID, mid)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.notifyMessages(dialogID)
	return nil
}

// UpdateBlob attaches a downloaded media blob to a message, creating a
// minimal placeholder record if the message is not yet known so that
// readers observe the blob.
func (db *DB) UpdateBlob(dialogID, msgID int64, blob []byte) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		UPDATE messages SET media_blob = ?
		WHERE dialog_id = ? AND msg_id = ?`, blob, dialogID, msgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = tx.Exec(`
			INSERT INTO messages (dialog_id, msg_id, date, media_blob, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			dialogID, msgID, time.Now().Unix(), blob, time.Now().Unix())
		if err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.notifyMessages(dialogID)
	return nil
}

// HasBlob reports whether a message already carries a downloaded blob.
func (db *DB) HasBlob(dialogID, msgID int64) (bool, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE dialog_id = ? AND msg_id = ? AND media_blob IS NOT NULL`, dialogID, msgID).Scan(&n)
	return n > 0, err
}

// ListMessages returns a trailing window of messages for a dialog using
// keyset pagination by date, newest first.
func (db *DB) ListMessages(dialogID int64, beforeDate int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeDate <= 0 {
		beforeDate = time.Now().Unix() + 1
	}
	rows, err := db.Query(messageColumns+`
		FROM messages
		WHERE dialog_id = ? AND date < ?
		ORDER BY date DESC, msg_id DESC
		LIMIT ?`, dialogID, beforeDate, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// GetMessage returns one message, or nil if unknown.
func (db *DB) GetMessage(dialogID, msgID int64) (*Message, error) {
	m, err := scanMessage(db.QueryRow(messageColumns+`
		FROM messages WHERE dialog_id = ? AND msg_id = ?`, dialogID, msgID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListVersions returns the edit history for a message, oldest first.
func (db *DB) ListVersions(dialogID, msgID int64) ([]MessageVersion, error) {
	rows, err := db.Query(`
		SELECT dialog_id, msg_id, version, date, edited_at, body
		FROM message_versions
		WHERE dialog_id = ? AND msg_id = ?
		ORDER BY version ASC`, dialogID, msgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var versions []MessageVersion
	for rows.Next() {
		var v MessageVersion
		if err := rows.Scan(&v.DialogID, &v.MsgID, &v.Version, &v.Date, &v.EditedAt, &v.Text); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// FindOwningDialogs maps message ids to the dialogs that contain them.
// Used by delete events that arrive without a peer identifier. An id
// stored in several dialogs maps to each of them.
func (db *DB) FindOwningDialogs(msgIDs []int64) (map[int64][]int64, error) {
	owners := make(map[int64][]int64)
	for _, mid := range msgIDs {
		rows, err := db.Query(`SELECT dialog_id FROM messages WHERE msg_id = ?`, mid)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var did int64
			if err := rows.Scan(&did); err != nil {
				_ = rows.Close()
				return nil, err
			}
			owners[did] = append(owners[did], mid)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}
	return owners, nil
}

// DialogsMissingPreview returns ids of dialogs that have no preview yet,
// most recent first. Feed for the prefetcher.
func (db *DB) DialogsMissingPreview(limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := db.Query(`
		SELECT id FROM dialogs
		WHERE last_preview = '' OR last_message_at = 0
		ORDER BY pinned DESC, last_message_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const messageColumns = `
	SELECT dialog_id, msg_id, date, out, from_id, sender_name, body, reply_to_msg_id,
		entities, forwarded_from, grouped_id,
		media_type, media_mime, media_size, media_duration, media_width, media_height,
		file_name, media_thumb, media_blob,
		service_type, call_video, call_outgoing, call_reason, call_duration,
		edited, edit_version, edited_at, deleted`

func getMessageTx(tx *sql.Tx, dialogID, msgID int64) (*Message, error) {
	m, err := scanMessage(tx.QueryRow(messageColumns+`
		FROM messages WHERE dialog_id = ? AND msg_id = ?`, dialogID, msgID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var entities *string
	err := r.Scan(&m.DialogID, &m.MsgID, &m.Date, &m.Out, &m.FromID, &m.SenderName, &m.Text,
		&m.ReplyToMsgID, &entities, &m.ForwardedFrom, &m.GroupedID,
		&m.MediaType, &m.MediaMime, &m.MediaSize, &m.MediaDuration, &m.MediaWidth, &m.MediaHeight,
		&m.FileName, &m.MediaThumb, &m.MediaBlob,
		&m.ServiceType, &m.CallVideo, &m.CallOutgoing, &m.CallReason, &m.CallDuration,
		&m.Edited, &m.EditVersion, &m.EditedAt, &m.Deleted)
	if err != nil {
		return nil, err
	}
	if entities != nil && *entities != "" {
		if err := json.Unmarshal([]byte(*entities), &m.Entities); err != nil {
			// A corrupt column loses the spans, not the message.
			m.Entities = nil
		}
	}
	return &m, nil
}

func mergeMessage(dialogID int64, prev *Message, p MessagePatch) *Message {
	m := Message{DialogID: dialogID, MsgID: p.MsgID}
	if prev != nil {
		m = *prev
	}
	if p.Date > 0 {
		m.Date = p.Date
	}
	if p.Out != nil {
		m.Out = *p.Out
	}
	if p.FromID != nil {
		m.FromID = p.FromID
	}
	if p.SenderName != nil {
		m.SenderName = p.SenderName
	}
	if p.Text != nil {
		m.Text = p.Text
	}
	if p.ReplyToMsgID != nil {
		m.ReplyToMsgID = p.ReplyToMsgID
	}
	if p.Entities != nil {
		m.Entities = p.Entities
	}
	if p.ForwardedFrom != nil {
		m.ForwardedFrom = p.ForwardedFrom
	}
	if p.GroupedID != nil {
		m.GroupedID = p.GroupedID
	}
	if p.MediaType != nil {
		m.MediaType = p.MediaType
	}
	if p.MediaMime != nil {
		m.MediaMime = p.MediaMime
	}
	if p.MediaSize != nil {
		m.MediaSize = p.MediaSize
	}
	if p.MediaDuration != nil {
		m.MediaDuration = p.MediaDuration
	}
	if p.MediaWidth != nil {
		m.MediaWidth = p.MediaWidth
	}
	if p.MediaHeight != nil {
		m.MediaHeight = p.MediaHeight
	}
	if p.FileName != nil {
		m.FileName = p.FileName
	}
	if p.MediaThumb != nil {
		m.MediaThumb = p.MediaThumb
	}
	if p.ServiceType != nil {
		m.ServiceType = p.ServiceType
	}
	if p.CallVideo != nil {
		m.CallVideo = p.CallVideo
	}
	if p.CallOutgoing != nil {
		m.CallOutgoing = p.CallOutgoing
	}
	if p.CallReason != nil {
		m.CallReason = p.CallReason
	}
	if p.CallDuration != nil {
		m.CallDuration = p.CallDuration
	}
	if p.Edited != nil {
		m.Edited = *p.Edited
	}
	if p.EditedAt != nil {
		m.EditedAt = p.EditedAt
	}
	if p.Deleted != nil {
		m.Deleted = *p.Deleted
	}
	return &m
}

func sameMessage(a, b *Message) bool {
	return a.Date == b.Date && a.Out == b.Out &&
		eqI64(a.FromID, b.FromID) && eqStr(a.SenderName, b.SenderName) &&
		eqStr(a.Text, b.Text) && eqI64(a.ReplyToMsgID, b.ReplyToMsgID) &&
		sameSpans(a.Entities, b.Entities) &&
		eqStr(a.ForwardedFrom, b.ForwardedFrom) && eqI64(a.GroupedID, b.GroupedID) &&
		eqStr(a.MediaType, b.MediaType) && eqStr(a.MediaMime, b.MediaMime) &&
		eqI64(a.MediaSize, b.MediaSize) && eqInt(a.MediaDuration, b.MediaDuration) &&
		eqInt(a.MediaWidth, b.MediaWidth) && eqInt(a.MediaHeight, b.MediaHeight) &&
		eqStr(a.FileName, b.FileName) &&
		bytes.Equal(a.MediaThumb, b.MediaThumb) && bytes.Equal(a.MediaBlob, b.MediaBlob) &&
		eqStr(a.ServiceType, b.ServiceType) && eqBool(a.CallVideo, b.CallVideo) &&
		eqBool(a.CallOutgoing, b.CallOutgoing) && eqStr(a.CallReason, b.CallReason) &&
		eqInt(a.CallDuration, b.CallDuration) &&
		a.Edited == b.Edited && a.EditVersion == b.EditVersion &&
		eqI64(a.EditedAt, b.EditedAt) && a.Deleted == b.Deleted
}

func sameSpans(a, b []Span) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func versionOf(m *Message) *MessageVersion {
	return &MessageVersion{
		DialogID: m.DialogID,
		MsgID:    m.MsgID,
		Version:  m.EditVersion,
		Date:     m.Date,
		EditedAt: m.EditedAt,
		Text:     *m.Text,
	}
}

func putVersionTx(tx *sql.Tx, v *MessageVersion) error {
	_, err := tx.Exec(`
		INSERT INTO message_versions (dialog_id, msg_id, version, date, edited_at, body)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(dialog_id, msg_id, version) DO UPDATE SET
			date = excluded.date,
			edited_at = excluded.edited_at,
			body = excluded.body`,
		v.DialogID, v.MsgID, v.Version, v.Date, v.EditedAt, v.Text)
	return err
}

func putMessageTx(tx *sql.Tx, m *Message) error {
	var entities *string
	if len(m.Entities) > 0 {
		raw, err := json.Marshal(m.Entities)
		if err != nil {
			return fmt.Errorf("marshal entities: %w", err)
		}
		s := string(raw)
		entities = &s
	}
	now := time.Now().Unix()
	_, err := tx.Exec(`
		INSERT INTO messages (dialog_id, msg_id, date, out, from_id, sender_name, body, reply_to_msg_id,
			entities, forwarded_from, grouped_id,
			media_type, media_mime, media_size, media_duration, media_width, media_height,
			file_name, media_thumb, media_blob,
			service_type, call_video, call_outgoing, call_reason, call_duration,
			edited, edit_version, edited_at, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dialog_id, msg_id) DO UPDATE SET
			date = excluded.date,
			out = excluded.out,
			from_id = excluded.from_id,
			sender_name = excluded.sender_name,
			body = excluded.body,
			reply_to_msg_id = excluded.reply_to_msg_id,
			entities = excluded.entities,
			forwarded_from = excluded.forwarded_from,
			grouped_id = excluded.grouped_id,
			media_type = excluded.media_type,
			media_mime = excluded.media_mime,
			media_size = excluded.media_size,
			media_duration = excluded.media_duration,
			media_width = excluded.media_width,
			media_height = excluded.media_height,
			file_name = excluded.file_name,
			media_thumb = excluded.media_thumb,
			media_blob = excluded.media_blob,
			service_type = excluded.service_type,
			call_video = excluded.call_video,
			call_outgoing = excluded.call_outgoing,
			call_reason = excluded.call_reason,
			call_duration = excluded.call_duration,
			edited = excluded.edited,
			edit_version = excluded.edit_version,
			edited_at = excluded.edited_at,
			deleted = excluded.deleted`,
		m.DialogID, m.MsgID, m.Date, m.Out, m.FromID, m.SenderName, m.Text, m.ReplyToMsgID,
		entities, m.ForwardedFrom, m.GroupedID,
		m.MediaType, m.MediaMime, m.MediaSize, m.MediaDuration, m.MediaWidth, m.MediaHeight,
		m.FileName, m.MediaThumb, m.MediaBlob,
		m.ServiceType, m.CallVideo, m.CallOutgoing, m.CallReason, m.CallDuration,
		m.Edited, m.EditVersion, m.EditedAt, m.Deleted, now)
	return err
}

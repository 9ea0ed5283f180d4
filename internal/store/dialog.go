package store

import (
	"bytes"
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// UpsertDialogs merges partial dialog records. Rules:
//   - nil patch fields keep the stored value;
//   - pinned is never downgraded by omission, only an explicit
//     Pinned=false clears it (and the pin rank with it);
//   - archived and folder_id change only on a non-nil patch value;
//   - last_message_at never moves backwards.
//
// Identical merged results are skipped (no write, no notification).
func (db *DB) UpsertDialogs(patches []DialogPatch) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var changedIDs []int64
	for _, p := range patches {
		if p.ID == 0 {
			continue
		}
		prev, err := getDialogTx(tx, p.ID)
		if err != nil {
			return err
		}
		merged, err := mergeDialog(tx, prev, p)
		if err != nil {
			return err
		}
		if prev != nil && sameDialog(prev, merged) {
			continue
		}
		if err := putDialogTx(tx, merged); err != nil {
			return err
		}
		changedIDs = append(changedIDs, p.ID)

		// Keep the users table in sync for direct dialogs so names
		// resolve in previews and prefetch title lookups.
		if merged.Kind == "user" && merged.Title != "" && merged.Title != strconv.FormatInt(merged.ID, 10) {
			u, err := getUserTx(tx, merged.ID)
			if err != nil {
				return err
			}
			title := merged.Title
			mu := mergeUser(u, UserPatch{ID: merged.ID, FirstName: &title})
			if u == nil || !sameUser(u, mu) {
				if err := putUserTx(tx, mu); err != nil {
					return err
				}
			}
		}
	}
	if len(changedIDs) == 0 {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.notifyDialogs(changedIDs)
	return nil
}

// ListDialogs returns dialogs sorted pinned-first (by pin rank), then by
// recency, then by title.
func (db *DB) ListDialogs(limit, offset int) ([]Dialog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(dialogColumns+`
		FROM dialogs
		ORDER BY pinned DESC,
			CASE WHEN pinned = 1 THEN COALESCE(pin_rank, 1<<30) END ASC,
			last_message_at DESC,
			title ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var dialogs []Dialog
	for rows.Next() {
		d, err := scanDialog(rows)
		if err != nil {
			return nil, err
		}
		dialogs = append(dialogs, *d)
	}
	return dialogs, rows.Err()
}

// GetDialog returns a single dialog, or nil if unknown.
func (db *DB) GetDialog(id int64) (*Dialog, error) {
	d, err := scanDialogRow(db.QueryRow(dialogColumns+` FROM dialogs WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ClearDialog deletes a dialog's messages and edit history and resets its
// last-activity marker. The dialog row itself survives.
func (db *DB) ClearDialog(dialogID int64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE dialog_id = ?`, dialogID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM message_versions WHERE dialog_id = ?`, dialogID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		UPDATE dialogs SET last_message_at = 0, last_message_id = NULL, last_preview = '', last_from_name = NULL
		WHERE id = ?`, dialogID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.notifyDialogs([]int64{dialogID})
	db.notifyMessages(dialogID)
	return nil
}

// ClearAll wipes every table. Cache-reset operation.
func (db *DB) ClearAll() error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"message_versions", "messages", "dialogs", "users"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.notifyDialogs([]int64{0})
	return nil
}

const dialogColumns = `
	SELECT id, title, kind, pinned, pin_rank, archived, folder_id, muted, mute_until,
		last_message_at, last_message_id, last_preview, last_out, last_from_name,
		avatar_small, avatar_photo_id, updated_at`

func getDialogTx(tx *sql.Tx, id int64) (*Dialog, error) {
	return scanDialogRow(tx.QueryRow(dialogColumns+` FROM dialogs WHERE id = ?`, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDialog(r rowScanner) (*Dialog, error) {
	var d Dialog
	err := r.Scan(&d.ID, &d.Title, &d.Kind, &d.Pinned, &d.PinRank, &d.Archived, &d.FolderID,
		&d.Muted, &d.MuteUntil, &d.LastMessageAt, &d.LastMessageID, &d.LastPreview,
		&d.LastOut, &d.LastFromName, &d.AvatarSmall, &d.AvatarPhotoID, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func scanDialogRow(row *sql.Row) (*Dialog, error) {
	d, err := scanDialog(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func mergeDialog(tx *sql.Tx, prev *Dialog, p DialogPatch) (*Dialog, error) {
	d := Dialog{ID: p.ID, Kind: "user"}
	if prev != nil {
		d = *prev
	}
	if p.Kind != nil {
		d.Kind = *p.Kind
	}
	// Never overwrite a human title with the bare numeric id.
	if p.Title != nil && *p.Title != "" && *p.Title != strconv.FormatInt(p.ID, 10) {
		d.Title = *p.Title
	}
	if prev == nil && d.Title == "" {
		// First insert: try to resolve a name from the users table.
		u, err := getUserTx(tx, p.ID)
		if err != nil {
			return nil, err
		}
		if u != nil {
			d.Title = u.DisplayName()
		}
		if d.Title == "" {
			d.Title = strconv.FormatInt(p.ID, 10)
		}
	}
	if p.Pinned != nil {
		if *p.Pinned {
			d.Pinned = true
			if p.PinRank != nil {
				d.PinRank = p.PinRank
			}
		} else {
			d.Pinned = false
			d.PinRank = nil
		}
	}
	if p.Archived != nil {
		d.Archived = *p.Archived
	}
	if p.FolderID != nil {
		d.FolderID = p.FolderID
	}
	if p.Muted != nil {
		d.Muted = *p.Muted
	}
	if p.MuteUntil != nil {
		d.MuteUntil = p.MuteUntil
	}
	if p.LastMessageAt != nil && *p.LastMessageAt > d.LastMessageAt {
		d.LastMessageAt = *p.LastMessageAt
	}
	if p.AvatarSmall != nil {
		d.AvatarSmall = p.AvatarSmall
	}
	if p.AvatarPhotoID != nil {
		d.AvatarPhotoID = p.AvatarPhotoID
	}
	return &d, nil
}

func sameDialog(a, b *Dialog) bool {
	return a.Title == b.Title && a.Kind == b.Kind &&
		a.Pinned == b.Pinned && eqInt(a.PinRank, b.PinRank) &&
		a.Archived == b.Archived && eqInt(a.FolderID, b.FolderID) &&
		a.Muted == b.Muted && eqI64(a.MuteUntil, b.MuteUntil) &&
		a.LastMessageAt == b.LastMessageAt && eqI64(a.LastMessageID, b.LastMessageID) &&
		a.LastPreview == b.LastPreview && a.LastOut == b.LastOut &&
		eqStr(a.LastFromName, b.LastFromName) &&
		bytes.Equal(a.AvatarSmall, b.AvatarSmall) && eqI64(a.AvatarPhotoID, b.AvatarPhotoID)
}

func putDialogTx(tx *sql.Tx, d *Dialog) error {
	now := time.Now().Unix()
	_, err := tx.Exec(`
		INSERT INTO dialogs (id, title, kind, pinned, pin_rank, archived, folder_id, muted, mute_until,
			last_message_at, last_message_id, last_preview, last_out, last_from_name,
			avatar_small, avatar_photo_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			kind = excluded.kind,
			pinned = excluded.pinned,
			pin_rank = excluded.pin_rank,
			archived = excluded.archived,
			folder_id = excluded.folder_id,
			muted = excluded.muted,
			mute_until = excluded.mute_until,
			last_message_at = excluded.last_message_at,
			last_message_id = excluded.last_message_id,
			last_preview = excluded.last_preview,
			last_out = excluded.last_out,
			last_from_name = excluded.last_from_name,
			avatar_small = excluded.avatar_small,
			avatar_photo_id = excluded.avatar_photo_id,
			updated_at = excluded.updated_at`,
		d.ID, d.Title, d.Kind, d.Pinned, d.PinRank, d.Archived, d.FolderID, d.Muted, d.MuteUntil,
		d.LastMessageAt, d.LastMessageID, d.LastPreview, d.LastOut, d.LastFromName,
		d.AvatarSmall, d.AvatarPhotoID, now)
	return err
}

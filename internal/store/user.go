package store

import (
	"bytes"
	"database/sql"
	"fmt"
	"time"
)

// UpsertUsers merges partial user records. A nil patch field keeps the
// stored value. Writing an identical merged result is a no-op.
func (db *DB) UpsertUsers(patches []UserPatch) error {
	if len(patches) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	changed := false
	for _, p := range patches {
		if p.ID == 0 {
			continue
		}
		prev, err := getUserTx(tx, p.ID)
		if err != nil {
			return err
		}
		merged := mergeUser(prev, p)
		if prev != nil && sameUser(prev, merged) {
			continue
		}
		if err := putUserTx(tx, merged); err != nil {
			return err
		}
		changed = true
	}
	if !changed {
		return nil
	}
	return tx.Commit()
}

// GetUser returns a user by id, or nil if unknown.
func (db *DB) GetUser(id int64) (*User, error) {
	return scanUser(db.QueryRow(`
		SELECT id, username, first_name, last_name, avatar_small, avatar_photo_id, updated_at
		FROM users WHERE id = ?`, id))
}

func getUserTx(tx *sql.Tx, id int64) (*User, error) {
	return scanUser(tx.QueryRow(`
		SELECT id, username, first_name, last_name, avatar_small, avatar_photo_id, updated_at
		FROM users WHERE id = ?`, id))
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.AvatarSmall, &u.AvatarPhotoID, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func mergeUser(prev *User, p UserPatch) *User {
	u := User{ID: p.ID}
	if prev != nil {
		u = *prev
	}
	if p.Username != nil {
		u.Username = p.Username
	}
	if p.FirstName != nil {
		u.FirstName = p.FirstName
	}
	if p.LastName != nil {
		u.LastName = p.LastName
	}
	if p.AvatarSmall != nil {
		u.AvatarSmall = p.AvatarSmall
	}
	if p.AvatarPhotoID != nil {
		u.AvatarPhotoID = p.AvatarPhotoID
	}
	return &u
}

func sameUser(a, b *User) bool {
	return eqStr(a.Username, b.Username) &&
		eqStr(a.FirstName, b.FirstName) &&
		eqStr(a.LastName, b.LastName) &&
		bytes.Equal(a.AvatarSmall, b.AvatarSmall) &&
		eqI64(a.AvatarPhotoID, b.AvatarPhotoID)
}

func putUserTx(tx *sql.Tx, u *User) error {
	now := time.Now().Unix()
	_, err := tx.Exec(`
		INSERT INTO users (id, username, first_name, last_name, avatar_small, avatar_photo_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			avatar_small = excluded.avatar_small,
			avatar_photo_id = excluded.avatar_photo_id,
			updated_at = excluded.updated_at`,
		u.ID, u.Username, u.FirstName, u.LastName, u.AvatarSmall, u.AvatarPhotoID, now)
	return err
}

// Pointer comparison helpers shared by the merge functions.

func eqStr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqI64(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqBool(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

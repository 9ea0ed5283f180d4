package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tgmirror/tgmirror/internal/bus"
)

// DB wraps a SQLite database connection for the profile-owned store.db.
type DB struct {
	*sql.DB

	bus *bus.Bus
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db}, nil
}

// AttachBus makes the store publish change notifications for non-no-op
// writes. Safe to leave unset (tests, one-shot tools).
func (db *DB) AttachBus(b *bus.Bus) {
	db.bus = b
}

func (db *DB) notifyDialogs(ids []int64) {
	if db.bus == nil || len(ids) == 0 {
		return
	}
	db.bus.Publish(bus.Event{
		Kind:      bus.KindDialogsChanged,
		Timestamp: time.Now(),
		Payload:   bus.DialogsChangedPayload{DialogIDs: ids},
	})
}

func (db *DB) notifyMessages(dialogID int64) {
	if db.bus == nil {
		return
	}
	db.bus.Publish(bus.Event{
		Kind:      bus.KindMessagesChanged,
		Timestamp: time.Now(),
		Payload:   bus.MessagesChangedPayload{DialogID: dialogID},
	})
}

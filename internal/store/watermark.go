package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/chatmirror/chatmirror/internal/timestamp"
)

// Watermark keys persisted in live_sync_state.
const (
	KeyLastMessageRowID    = "last_message_rowid"
	KeyLastAttachmentRowID = "last_attachment_rowid"
	KeyAppleEpochNanos     = "apple_epoch_ns"
)

// GetWatermark returns the raw string value for key, or ok=false if absent.
func GetWatermark(db *sql.DB, key string) (value string, ok bool, err error) {
	err = db.QueryRow("SELECT value FROM live_sync_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read watermark %q: %w", key, err)
	}
	return value, true, nil
}

// SetWatermark upserts key to value.
func SetWatermark(db *sql.DB, key, value string) error {
	_, err := db.Exec(`
		INSERT INTO live_sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set watermark %q: %w", key, err)
	}
	return nil
}

// GetWatermarkInt64 is GetWatermark parsed as an integer.
func GetWatermarkInt64(db *sql.DB, key string) (value int64, ok bool, err error) {
	raw, ok, err := GetWatermark(db, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	v, parseErr := strconv.ParseInt(raw, 10, 64)
	if parseErr != nil {
		return 0, false, fmt.Errorf("watermark %q is not an integer: %w", key, parseErr)
	}
	return v, true, nil
}

// SetWatermarkInt64 is SetWatermark for an integer value.
func SetWatermarkInt64(db *sql.DB, key string, value int64) error {
	return SetWatermark(db, key, strconv.FormatInt(value, 10))
}

// InitializeRowIDWatermarks sets the message and attachment row-id
// watermarks to the source database's current maxima, but only if both are
// currently absent. This guarantees the watcher does not re-ingest the rows
// a backup import already processed.
func InitializeRowIDWatermarks(db *sql.DB, sourceMaxMessageRowID, sourceMaxAttachmentRowID int64) error {
	_, messagePresent, err := GetWatermarkInt64(db, KeyLastMessageRowID)
	if err != nil {
		return err
	}
	_, attachmentPresent, err := GetWatermarkInt64(db, KeyLastAttachmentRowID)
	if err != nil {
		return err
	}
	if messagePresent || attachmentPresent {
		return nil
	}
	if err := SetWatermarkInt64(db, KeyLastMessageRowID, sourceMaxMessageRowID); err != nil {
		return err
	}
	return SetWatermarkInt64(db, KeyLastAttachmentRowID, sourceMaxAttachmentRowID)
}

// InitializeTimestampWatermark sets the legacy timestamp watermark from the
// newest message currently in the internal store, or to one day prior to
// now if the store has no messages yet, but only if the watermark is
// currently absent.
func InitializeTimestampWatermark(db *sql.DB) error {
	_, present, err := GetWatermarkInt64(db, KeyAppleEpochNanos)
	if err != nil {
		return err
	}
	if present {
		return nil
	}

	var newest sql.NullTime
	if err := db.QueryRow("SELECT MAX(timestamp) FROM messages").Scan(&newest); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read newest message timestamp: %w", err)
	}

	var ns int64
	if newest.Valid {
		ns = timestamp.ToNanosFromInstant(newest.Time.UTC())
	} else {
		ns = timestamp.ToNanosFromInstant(time.Now().UTC().Add(-24 * time.Hour))
	}
	return SetWatermarkInt64(db, KeyAppleEpochNanos, ns)
}

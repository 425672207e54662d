package syncengine

import (
	"database/sql"
	"fmt"

	"github.com/chatmirror/chatmirror/internal/normalize"
	"github.com/chatmirror/chatmirror/internal/source"
	"github.com/chatmirror/chatmirror/internal/timestamp"
)

// AttachmentSyncResult reports what a SyncAttachments call did.
type AttachmentSyncResult struct {
	Inserted int
	Skipped  int
}

// SyncAttachments upserts a batch of raw attachments. An attachment whose
// owning message has not yet been synced is skipped; it will be picked up
// on the next cycle once the message sync has run.
func (e *Engine) SyncAttachments(raws []source.RawAttachment) (*AttachmentSyncResult, error) {
	result := &AttachmentSyncResult{}
	if len(raws) == 0 {
		return result, nil
	}

	tx, err := e.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin attachment sync transaction: %w", err)
	}
	defer tx.Rollback()

	for _, raw := range raws {
		guid := normalize.GUID(raw.GUID)

		has, err := e.cache.HasAttachment(e.db, guid)
		if err != nil {
			return nil, err
		}
		if has && !e.Backup {
			continue
		}

		owningGUID := normalize.GUID(raw.OwningMessageGUID)
		messageID, ok, err := e.cache.MessageIDByGUID(e.db, owningGUID)
		if err != nil {
			return nil, err
		}
		if !ok {
			result.Skipped++
			continue
		}

		var createdAt interface{}
		if raw.TimestampPresent {
			createdAt = timestamp.FromNanos(raw.TimestampNanos)
		}

		query := `
			INSERT INTO attachments (message_id, guid, created_at, filename, uti, mime_type, byte_size, is_sticker)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(guid) DO NOTHING
		`
		if e.Backup {
			query = `
				INSERT INTO attachments (message_id, guid, created_at, filename, uti, mime_type, byte_size, is_sticker)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(guid) DO UPDATE SET
					message_id = excluded.message_id,
					created_at = excluded.created_at,
					filename = excluded.filename,
					uti = excluded.uti,
					mime_type = excluded.mime_type,
					byte_size = excluded.byte_size,
					is_sticker = excluded.is_sticker
			`
		}

		if _, err := tx.Exec(query,
			messageID, guid, createdAt,
			stringOrEmpty(raw.Filename), stringOrEmpty(raw.UTI), stringOrEmpty(raw.MimeType),
			int64OrZero(raw.ByteSize), raw.IsSticker,
		); err != nil {
			return nil, fmt.Errorf("failed to insert attachment %q: %w", guid, err)
		}

		if !has {
			e.cache.PutAttachment(guid)
			result.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit attachment sync transaction: %w", err)
	}
	return result, nil
}

func int64OrZero(v sql.NullInt64) int64 {
	if v.Valid {
		return v.Int64
	}
	return 0
}

// Package source extracts rows from the external source database: a
// SQLite file holding message, chat, attachment, and handle tables that the
// engine treats as read-only.
package source

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chatmirror/chatmirror/internal/timestamp"
)

// Source wraps a read-only connection to the external database.
type Source struct {
	db   *sql.DB
	path string
	live bool
}

// Open opens the source database at path in read-only mode. live controls
// whether the journal-mode pragma is left alone: a live chat.db is written
// concurrently by another process and must not have its journal mode
// altered, while a backup's static copy may be opened with journalling
// disabled for faster scanning.
func Open(path string, live bool) (*Source, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("source database not found at %s: %w", path, err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open source database: %w", err)
	}

	pragmas := []string{
		"PRAGMA query_only = ON",
		"PRAGMA synchronous = OFF",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA cache_size = -262144",
		"PRAGMA mmap_size = 268435456",
	}
	if !live {
		pragmas = append(pragmas, "PRAGMA journal_mode = OFF")
	}
	for _, p := range pragmas {
		// Read-only performance pragmas are best-effort; a locked or
		// unusual source file should not prevent extraction.
		_, _ = db.Exec(p)
	}

	return &Source{db: db, path: path, live: live}, nil
}

// Close closes the cached connection.
func (s *Source) Close() error {
	return s.db.Close()
}

// Reset closes and drops the cached connection so the next operation
// re-establishes it; used after the source is detected to be unreachable.
func (s *Source) Reset() error {
	err := s.db.Close()
	db, openErr := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", s.path))
	if openErr != nil {
		return fmt.Errorf("failed to reopen source database: %w", openErr)
	}
	s.db = db
	return err
}

// RawMessage is a single row extracted from the source message table.
type RawMessage struct {
	SourceRowID          int64
	GUID                 string
	Text                 sql.NullString
	AttributedBody       []byte
	SenderIdentifier     sql.NullString
	TimestampNanos       int64
	TimestampPresent     bool
	IsFromMe             bool
	MessageType          int64
	GroupActionType      sql.NullInt64
	ServiceName          sql.NullString
	AssociatedMessageGUID sql.NullString
	SourceChatID         int64
	ChatIdentifier       string
	ChatParticipants     sql.NullString
}

// RawAttachment is a single row extracted from the source attachment table.
type RawAttachment struct {
	SourceRowID    int64
	GUID           string
	OwningMessageGUID string
	TimestampNanos int64
	TimestampPresent bool
	Filename       sql.NullString
	UTI            sql.NullString
	MimeType       sql.NullString
	ByteSize       sql.NullInt64
	IsSticker      bool
}

// RawChat is a row from the source chat table, used for auto-creation
// fallbacks and for seeding the source-participants cache.
type RawChat struct {
	SourceRowID    int64
	ChatIdentifier string
	DisplayName    sql.NullString
	Participants   string
	ServiceName    sql.NullString
}

// RawHandle is a row from the source handle table.
type RawHandle struct {
	SourceRowID int64
	Identifier  string
}

// FetchMessages returns messages with source row-id greater than lastRowID,
// ascending, along with the highest row-id observed (lastRowID if none).
func (s *Source) FetchMessages(lastRowID int64) ([]RawMessage, int64, error) {
	query := `
		SELECT
			m.ROWID,
			m.guid,
			m.text,
			m.attributedBody,
			h.id,
			m.date,
			m.is_from_me,
			m.type,
			m.group_action_type,
			m.service,
			m.associated_message_guid,
			c.ROWID,
			c.chat_identifier,
			(SELECT GROUP_CONCAT(DISTINCT h2.id) FROM chat_handle_join chj2
			   INNER JOIN handle h2 ON h2.ROWID = chj2.handle_id
			   WHERE chj2.chat_id = c.ROWID)
		FROM message m
		INNER JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
		INNER JOIN chat c ON c.ROWID = cmj.chat_id
		LEFT JOIN handle h ON h.ROWID = m.handle_id
		WHERE m.ROWID > ?
		ORDER BY m.ROWID
	`
	rows, err := s.db.Query(query, lastRowID)
	if err != nil {
		return nil, lastRowID, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []RawMessage
	high := lastRowID
	for rows.Next() {
		var m RawMessage
		var rawDate int64
		var messageType sql.NullInt64
		if err := rows.Scan(
			&m.SourceRowID, &m.GUID, &m.Text, &m.AttributedBody, &m.SenderIdentifier,
			&rawDate, &m.IsFromMe, &messageType, &m.GroupActionType, &m.ServiceName,
			&m.AssociatedMessageGUID, &m.SourceChatID, &m.ChatIdentifier, &m.ChatParticipants,
		); err != nil {
			return nil, lastRowID, fmt.Errorf("failed to scan message: %w", err)
		}
		if messageType.Valid {
			m.MessageType = messageType.Int64
		}
		if ns, ok := timestamp.ToNanos(rawDate); ok {
			m.TimestampNanos = ns
			m.TimestampPresent = true
		}
		out = append(out, m)
		if m.SourceRowID > high {
			high = m.SourceRowID
		}
	}
	if err := rows.Err(); err != nil {
		return nil, lastRowID, fmt.Errorf("error iterating messages: %w", err)
	}
	return out, high, nil
}

// FetchAttachments returns attachments with source row-id greater than
// lastRowID, ascending, along with the highest row-id observed.
func (s *Source) FetchAttachments(lastRowID int64) ([]RawAttachment, int64, error) {
	query := `
		SELECT
			a.ROWID,
			a.guid,
			m.guid,
			a.created_date,
			a.filename,
			a.uti,
			a.mime_type,
			a.total_bytes,
			a.is_sticker
		FROM attachment a
		INNER JOIN message_attachment_join maj ON a.ROWID = maj.attachment_id
		INNER JOIN message m ON m.ROWID = maj.message_id
		WHERE a.ROWID > ?
		ORDER BY a.ROWID
	`
	rows, err := s.db.Query(query, lastRowID)
	if err != nil {
		return nil, lastRowID, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	var out []RawAttachment
	high := lastRowID
	for rows.Next() {
		var a RawAttachment
		var rawDate int64
		var isSticker sql.NullBool
		if err := rows.Scan(
			&a.SourceRowID, &a.GUID, &a.OwningMessageGUID, &rawDate,
			&a.Filename, &a.UTI, &a.MimeType, &a.ByteSize, &isSticker,
		); err != nil {
			return nil, lastRowID, fmt.Errorf("failed to scan attachment: %w", err)
		}
		a.IsSticker = isSticker.Valid && isSticker.Bool
		if ns, ok := timestamp.ToNanos(rawDate); ok {
			a.TimestampNanos = ns
			a.TimestampPresent = true
		}
		out = append(out, a)
		if a.SourceRowID > high {
			high = a.SourceRowID
		}
	}
	if err := rows.Err(); err != nil {
		return nil, lastRowID, fmt.Errorf("error iterating attachments: %w", err)
	}
	return out, high, nil
}

// FetchChats returns every row of the source chat table, each annotated
// with its participant list, for chat-resolution fallbacks and for seeding
// the source-participants cache.
func (s *Source) FetchChats() ([]RawChat, error) {
	query := `
		SELECT
			c.ROWID,
			c.chat_identifier,
			c.display_name,
			c.service_name,
			(SELECT GROUP_CONCAT(DISTINCT h.id) FROM chat_handle_join chj
			   INNER JOIN handle h ON h.ROWID = chj.handle_id
			   WHERE chj.chat_id = c.ROWID)
		FROM chat c
		ORDER BY c.ROWID
	`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	var out []RawChat
	for rows.Next() {
		var c RawChat
		var participants sql.NullString
		if err := rows.Scan(&c.SourceRowID, &c.ChatIdentifier, &c.DisplayName, &c.ServiceName, &participants); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		c.Participants = participants.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chats: %w", err)
	}
	return out, nil
}

// FetchHandles returns every row of the source handle table.
func (s *Source) FetchHandles() ([]RawHandle, error) {
	rows, err := s.db.Query(`SELECT ROWID, id FROM handle ORDER BY ROWID`)
	if err != nil {
		return nil, fmt.Errorf("failed to query handles: %w", err)
	}
	defer rows.Close()

	var out []RawHandle
	for rows.Next() {
		var h RawHandle
		if err := rows.Scan(&h.SourceRowID, &h.Identifier); err != nil {
			return nil, fmt.Errorf("failed to scan handle: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating handles: %w", err)
	}
	return out, nil
}

// MaxMessageRowID returns the current maximum source message row-id, used
// to initialise the row-id watermark on first start.
func (s *Source) MaxMessageRowID() (int64, error) {
	var max int64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(ROWID), 0) FROM message`).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to query max message row-id: %w", err)
	}
	return max, nil
}

// MaxAttachmentRowID returns the current maximum source attachment row-id.
func (s *Source) MaxAttachmentRowID() (int64, error) {
	var max int64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(ROWID), 0) FROM attachment`).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to query max attachment row-id: %w", err)
	}
	return max, nil
}

// AccountLogins returns the account_login strings recorded by the source's
// own chat rows, most recent first, used for the live user-contact refresh.
func (s *Source) AccountLogins() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT account_login FROM chat
		WHERE account_login IS NOT NULL AND account_login != ''
		ORDER BY ROWID DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query account logins: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return nil, fmt.Errorf("failed to scan account login: %w", err)
		}
		out = append(out, login)
	}
	return out, rows.Err()
}

// Package syncengine upserts the rows extracted from the source database
// into the internal store: resolving chats and senders, classifying each
// row as a message, reaction, or membership event, deduplicating by GUID,
// and committing bulk inserts with cache updates.
package syncengine

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/chatmirror/chatmirror/internal/cache"
	"github.com/chatmirror/chatmirror/internal/normalize"
	"github.com/chatmirror/chatmirror/internal/source"
	"github.com/chatmirror/chatmirror/internal/timestamp"
)

// Engine resolves and persists rows extracted from the source database.
type Engine struct {
	db    *sql.DB
	cache *cache.Cache
	// Backup controls dedup policy: when true, a row whose GUID is already
	// known is staged as an update; when false (live mode) it is skipped,
	// since the live source is assumed append-only.
	Backup bool
}

// New returns an Engine backed by db and c.
func New(db *sql.DB, c *cache.Cache) *Engine {
	return &Engine{db: db, cache: c}
}

// MessageSyncResult reports what a SyncMessages call did.
type MessageSyncResult struct {
	MessagesInserted   int
	MessagesUpdated    int
	ReactionsInserted  int
	MembershipInserted int
	// TouchedChatIDs is every internal chat id resolved for a row of the
	// batch, whether or not that row was new, for the caller to feed into
	// conversation reconciliation.
	TouchedChatIDs map[int64]struct{}
}

// SyncMessages processes a batch of raw source message rows: resolving
// chats and senders, classifying each row, deduplicating by GUID, and
// committing the result in a single transaction.
func (e *Engine) SyncMessages(raws []source.RawMessage) (*MessageSyncResult, error) {
	result := &MessageSyncResult{TouchedChatIDs: make(map[int64]struct{})}
	if len(raws) == 0 {
		return result, nil
	}

	tx, err := e.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin sync transaction: %w", err)
	}
	defer tx.Rollback()

	meID, err := e.meContactID(tx)
	if err != nil {
		return nil, err
	}

	// Step 1 & 2: resolve chat and sender for every row up front, batching
	// the creation of previously unseen senders into one pass.
	type resolved struct {
		raw             source.RawMessage
		chatID          int64
		senderContactID sql.NullInt64
	}

	missing := make(map[string]normalize.IdentifierKind)
	resolvedRows := make([]resolved, 0, len(raws))

	for _, raw := range raws {
		chatID, err := e.resolveChatID(tx, raw, meID)
		if err != nil {
			return nil, err
		}
		result.TouchedChatIDs[chatID] = struct{}{}

		var senderContactID sql.NullInt64
		if raw.IsFromMe {
			senderContactID = sql.NullInt64{Int64: meID, Valid: true}
		} else if raw.SenderIdentifier.Valid && raw.SenderIdentifier.String != "" {
			identifier, kind := normalize.Identifier(raw.SenderIdentifier.String)
			if id, ok, err := e.cache.ContactByIdentifier(e.db, identifier); err != nil {
				return nil, err
			} else if ok {
				senderContactID = sql.NullInt64{Int64: id, Valid: true}
			} else {
				missing[identifier] = kind
			}
		}

		resolvedRows = append(resolvedRows, resolved{raw: raw, chatID: chatID, senderContactID: senderContactID})
	}

	createdContacts, err := e.createMissingContacts(tx, missing)
	if err != nil {
		return nil, err
	}

	// Step 3 & 4: classify and dedup.
	for i := range resolvedRows {
		r := &resolvedRows[i]
		if !r.senderContactID.Valid && !r.raw.IsFromMe && r.raw.SenderIdentifier.Valid {
			identifier, _ := normalize.Identifier(r.raw.SenderIdentifier.String)
			if id, ok := createdContacts[identifier]; ok {
				r.senderContactID = sql.NullInt64{Int64: id, Valid: true}
			}
		}

		guid := normalize.GUID(r.raw.GUID)
		ts, tsOK := rowTimestamp(r.raw)

		switch {
		case r.raw.GroupActionType.Valid && r.raw.GroupActionType.Int64 != 0:
			if err := e.syncMembershipEvent(tx, r.raw, r.chatID, r.senderContactID, ts); err != nil {
				return nil, err
			}
			result.MembershipInserted++
		case r.raw.MessageType != 0:
			inserted, err := e.syncReaction(tx, r.raw, guid, r.chatID, r.senderContactID, ts, tsOK)
			if err != nil {
				return nil, err
			}
			if inserted {
				result.ReactionsInserted++
			}
		default:
			inserted, updated, err := e.syncMessage(tx, r.raw, guid, r.chatID, r.senderContactID, ts, tsOK)
			if err != nil {
				return nil, err
			}
			if inserted {
				result.MessagesInserted++
			}
			if updated {
				result.MessagesUpdated++
			}
		}
	}

	if err := e.bumpChatCounters(tx, result.TouchedChatIDs); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit sync transaction: %w", err)
	}
	return result, nil
}

func rowTimestamp(raw source.RawMessage) (time.Time, bool) {
	if !raw.TimestampPresent {
		return time.Time{}, false
	}
	return timestamp.FromNanos(raw.TimestampNanos), true
}

func (e *Engine) resolveChatID(tx *sql.Tx, raw source.RawMessage, meID int64) (int64, error) {
	participants := participantsForMessage(raw, e.cache)
	identifier := normalize.ChatIdentifier(participants)
	if identifier == "" {
		// No participant could be resolved at all; fall back to the
		// source's own chat_identifier rather than creating an empty one.
		identifier = raw.ChatIdentifier
	}

	if id, ok, err := e.cache.ChatIDByIdentifier(e.db, identifier); err != nil {
		return 0, err
	} else if ok {
		return id, nil
	}

	isGroup := len(participants) >= 2
	ts, _ := rowTimestamp(raw)
	var createdAt, lastMessageAt interface{}
	if !ts.IsZero() {
		createdAt, lastMessageAt = ts, ts
	}

	var chatID int64
	err := tx.QueryRow(`
		INSERT INTO chats (chat_identifier, display_name, created_at, last_message_at, is_group, service_name, total_messages)
		VALUES (?, '', ?, ?, ?, ?, 0)
		ON CONFLICT(chat_identifier) DO UPDATE SET chat_identifier = excluded.chat_identifier
		RETURNING id
	`, identifier, createdAt, lastMessageAt, isGroup, stringOrEmpty(raw.ServiceName)).Scan(&chatID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve chat %q: %w", identifier, err)
	}

	e.cache.PutChat(identifier, chatID)
	return chatID, nil
}

func participantsForMessage(raw source.RawMessage, c *cache.Cache) []string {
	if raw.ChatParticipants.Valid && raw.ChatParticipants.String != "" {
		return strings.Split(raw.ChatParticipants.String, ",")
	}
	if p, ok := c.SourceParticipants(raw.SourceChatID); ok && p != "" {
		return strings.Split(p, ",")
	}
	if raw.SenderIdentifier.Valid && raw.SenderIdentifier.String != "" {
		return []string{raw.SenderIdentifier.String}
	}
	return nil
}

func (e *Engine) meContactID(tx *sql.Tx) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM contacts WHERE is_me = 1 LIMIT 1`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to query is-me contact: %w", err)
	}

	err = tx.QueryRow(`
		INSERT INTO contacts (display_name, is_me, data_source) VALUES ('Me', 1, 'bootstrap')
		RETURNING id
	`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create is-me contact: %w", err)
	}
	return id, nil
}

// createMissingContacts bulk-creates one contact per distinct canonical
// identifier in missing, with one primary ContactIdentifier each.
func (e *Engine) createMissingContacts(tx *sql.Tx, missing map[string]normalize.IdentifierKind) (map[string]int64, error) {
	created := make(map[string]int64, len(missing))
	for identifier, kind := range missing {
		var contactID int64
		err := tx.QueryRow(`
			INSERT INTO contacts (display_name, is_me, data_source) VALUES (?, 0, 'auto')
			RETURNING id
		`, identifier).Scan(&contactID)
		if err != nil {
			return nil, fmt.Errorf("failed to auto-create contact %q: %w", identifier, err)
		}

		_, err = tx.Exec(`
			INSERT INTO contact_identifiers (contact_id, identifier, kind, is_primary, last_used)
			VALUES (?, ?, ?, 1, CURRENT_TIMESTAMP)
			ON CONFLICT(contact_id, identifier, kind) DO NOTHING
		`, contactID, identifier, kind.String())
		if err != nil {
			return nil, fmt.Errorf("failed to insert identifier for contact %q: %w", identifier, err)
		}

		e.cache.PutContact(identifier, contactID)
		created[identifier] = contactID
	}
	return created, nil
}

func (e *Engine) syncMessage(tx *sql.Tx, raw source.RawMessage, guid string, chatID int64, senderContactID sql.NullInt64, ts time.Time, tsOK bool) (inserted, updated bool, err error) {
	known, ok, err := e.cache.MessageIDByGUID(e.db, guid)
	if err != nil {
		return false, false, err
	}
	if ok {
		if !e.Backup {
			return false, false, nil
		}
		if err := e.updateMessage(tx, known, chatID, senderContactID, raw, ts, tsOK); err != nil {
			return false, false, err
		}
		return false, true, nil
	}

	content := messageContent(raw)
	var tsArg interface{}
	if tsOK {
		tsArg = ts
	}

	var messageID int64
	err = tx.QueryRow(`
		INSERT INTO messages (chat_id, sender_contact_id, content, timestamp, is_from_me, message_type, service_name, guid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO NOTHING
		RETURNING id
	`, chatID, nullInt64Arg(senderContactID), content, tsArg, raw.IsFromMe, raw.MessageType, stringOrEmpty(raw.ServiceName), guid).Scan(&messageID)
	if err == sql.ErrNoRows {
		// Conflict raced with a concurrent identical GUID; treat as present.
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to insert message %q: %w", guid, err)
	}

	e.cache.PutMessage(guid, messageID)
	return true, false, nil
}

func (e *Engine) updateMessage(tx *sql.Tx, messageID, chatID int64, senderContactID sql.NullInt64, raw source.RawMessage, ts time.Time, tsOK bool) error {
	content := messageContent(raw)
	var tsArg interface{}
	if tsOK {
		tsArg = ts
	}
	_, err := tx.Exec(`
		UPDATE messages SET chat_id = ?, sender_contact_id = ?, content = ?, timestamp = ?,
			is_from_me = ?, message_type = ?, service_name = ?
		WHERE id = ?
	`, chatID, nullInt64Arg(senderContactID), content, tsArg, raw.IsFromMe, raw.MessageType, stringOrEmpty(raw.ServiceName), messageID)
	if err != nil {
		return fmt.Errorf("failed to update message %d: %w", messageID, err)
	}
	return nil
}

func messageContent(raw source.RawMessage) string {
	if raw.Text.Valid && raw.Text.String != "" {
		return normalize.Text(raw.Text.String)
	}
	if len(raw.AttributedBody) > 0 {
		return normalize.Text(decodeAttributedBody(raw.AttributedBody))
	}
	return ""
}

func (e *Engine) syncReaction(tx *sql.Tx, raw source.RawMessage, guid string, chatID int64, senderContactID sql.NullInt64, ts time.Time, tsOK bool) (inserted bool, err error) {
	has, err := e.cache.HasReaction(e.db, guid)
	if err != nil {
		return false, err
	}
	if has && !e.Backup {
		return false, nil
	}

	var originalGUID interface{}
	if raw.AssociatedMessageGUID.Valid && raw.AssociatedMessageGUID.String != "" {
		originalGUID = normalize.GUID(raw.AssociatedMessageGUID.String)
	}

	var tsArg interface{}
	if tsOK {
		tsArg = ts
	}

	query := `
		INSERT INTO reactions (guid, original_message_guid, reaction_type, sender_contact_id, timestamp, chat_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			original_message_guid = excluded.original_message_guid,
			reaction_type = excluded.reaction_type,
			sender_contact_id = excluded.sender_contact_id,
			timestamp = excluded.timestamp,
			chat_id = excluded.chat_id
	`
	if !e.Backup {
		query = `
			INSERT INTO reactions (guid, original_message_guid, reaction_type, sender_contact_id, timestamp, chat_id)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(guid) DO NOTHING
		`
	}

	if _, err := tx.Exec(query, guid, originalGUID, raw.MessageType, nullInt64Arg(senderContactID), tsArg, chatID); err != nil {
		return false, fmt.Errorf("failed to insert reaction %q: %w", guid, err)
	}

	if !has {
		e.cache.PutReaction(guid)
		return true, nil
	}
	return false, nil
}

func (e *Engine) syncMembershipEvent(tx *sql.Tx, raw source.RawMessage, chatID int64, senderContactID sql.NullInt64, ts time.Time) error {
	guid := normalize.GUID(raw.GUID)
	action := membershipAction(raw.GroupActionType.Int64)

	var tsArg interface{}
	if !ts.IsZero() {
		tsArg = ts
	}

	_, err := tx.Exec(`
		INSERT INTO membership_events (guid, chat_id, actor_contact_id, member_contact_id, action, group_title, timestamp)
		VALUES (?, ?, ?, ?, ?, NULL, ?)
		ON CONFLICT(guid) DO NOTHING
	`, guid, chatID, nullInt64Arg(senderContactID), nil, action, tsArg)
	if err != nil {
		return fmt.Errorf("failed to insert membership event %q: %w", guid, err)
	}
	return nil
}

func membershipAction(groupActionType int64) string {
	switch groupActionType {
	case 1:
		return "added"
	case 3:
		return "removed"
	default:
		return "unknown"
	}
}

func (e *Engine) bumpChatCounters(tx *sql.Tx, touched map[int64]struct{}) error {
	for chatID := range touched {
		var delta int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID).Scan(&delta); err != nil {
			return fmt.Errorf("failed to count messages for chat %d: %w", chatID, err)
		}
		if _, err := tx.Exec(`
			UPDATE chats SET total_messages = ?, last_message_at = (
				SELECT MAX(timestamp) FROM messages WHERE chat_id = ?
			) WHERE id = ?
		`, delta, chatID, chatID); err != nil {
			return fmt.Errorf("failed to update chat counters for %d: %w", chatID, err)
		}
	}
	return nil
}

func stringOrEmpty(s sql.NullString) string {
	if s.Valid {
		return s.String
	}
	return ""
}

func nullInt64Arg(v sql.NullInt64) interface{} {
	if v.Valid {
		return v.Int64
	}
	return nil
}

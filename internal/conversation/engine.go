package conversation

import (
	"database/sql"
	"fmt"
	"time"
)

// DefaultGapThresholdSeconds is the silence window, in seconds, that
// separates two conversations when the caller does not override it.
const DefaultGapThresholdSeconds = 3 * 60 * 60

// Engine derives and reconciles conversation intervals against the
// internal store.
type Engine struct {
	db *sql.DB
}

// New returns an Engine backed by db.
func New(db *sql.DB) *Engine {
	return &Engine{db: db}
}

func (e *Engine) loadMessages(chatID int64, since *time.Time) ([]Message, error) {
	query := `
		SELECT id, sender_contact_id, timestamp FROM messages
		WHERE chat_id = ? AND timestamp IS NOT NULL AND message_type = 0
	`
	args := []interface{}{chatID}
	if since != nil {
		query += ` AND timestamp >= ?`
		args = append(args, *since)
	}
	query += ` ORDER BY timestamp ASC, id ASC`

	rows, err := e.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages for chat %d: %w", chatID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderContactID, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LiveResult reports what a live reconciliation pass did for one chat.
type LiveResult struct {
	Created int
	Updated int
}

// ReconcileChatLive segments chatID's messages at or after since (nil for
// no cutoff) that are not yet attached to a conversation, and appends to or
// creates conversations, preserving the ids of conversations it extends.
// Messages are attached in the order their segments are processed; the
// "last" conversation reference advances as each segment is handled.
func (e *Engine) ReconcileChatLive(chatID int64, since *time.Time, gapThresholdSeconds int64) (*LiveResult, error) {
	messages, err := e.loadMessages(chatID, since)
	if err != nil {
		return nil, err
	}
	unattached := messages[:0]
	for _, m := range messages {
		var conversationID sql.NullInt64
		if err := e.db.QueryRow(`SELECT conversation_id FROM messages WHERE id = ?`, m.ID).Scan(&conversationID); err != nil {
			return nil, fmt.Errorf("failed to check conversation of message %d: %w", m.ID, err)
		}
		if !conversationID.Valid {
			unattached = append(unattached, m)
		}
	}
	segments := segmentMessages(unattached, gapThresholdSeconds)
	if len(segments) == 0 {
		return &LiveResult{}, nil
	}

	tx, err := e.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin live reconciliation transaction: %w", err)
	}
	defer tx.Rollback()

	last, err := e.loadMostRecentConversation(tx, chatID)
	if err != nil {
		return nil, err
	}

	result := &LiveResult{}
	gap := time.Duration(gapThresholdSeconds) * time.Second

	for _, seg := range segments {
		if last != nil {
			delta := seg.Start.Sub(last.End)
			if delta >= 0 && delta <= gap {
				if err := e.appendSegment(tx, last, seg); err != nil {
					return nil, err
				}
				result.Updated++
				continue
			}
		}

		conv, err := e.createConversation(tx, chatID, seg, gapThresholdSeconds)
		if err != nil {
			return nil, err
		}
		last = conv
		result.Created++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit live reconciliation: %w", err)
	}
	return result, nil
}

type existingConversation struct {
	ID    int64
	Start time.Time
	End   time.Time
}

func (e *Engine) loadMostRecentConversation(tx *sql.Tx, chatID int64) (*existingConversation, error) {
	var c existingConversation
	err := tx.QueryRow(`
		SELECT id, start_at, end_at FROM conversations
		WHERE chat_id = ? ORDER BY end_at DESC LIMIT 1
	`, chatID).Scan(&c.ID, &c.Start, &c.End)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load most recent conversation for chat %d: %w", chatID, err)
	}
	return &c, nil
}

func (e *Engine) appendSegment(tx *sql.Tx, conv *existingConversation, seg Segment) error {
	if _, err := tx.Exec(`
		UPDATE conversations SET end_at = ?, message_count = message_count + ? WHERE id = ?
	`, seg.End, len(seg.MessageIDs), conv.ID); err != nil {
		return fmt.Errorf("failed to extend conversation %d: %w", conv.ID, err)
	}
	conv.End = seg.End

	if err := attachMessages(tx, conv.ID, seg.MessageIDs); err != nil {
		return err
	}
	return nil
}

func (e *Engine) createConversation(tx *sql.Tx, chatID int64, seg Segment, gapThresholdSeconds int64) (*existingConversation, error) {
	var initiator interface{}
	if seg.InitiatorContactID.Valid {
		initiator = seg.InitiatorContactID.Int64
	}

	var id int64
	err := tx.QueryRow(`
		INSERT INTO conversations (chat_id, initiator_contact_id, start_at, end_at, message_count, gap_threshold_seconds)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`, chatID, initiator, seg.Start, seg.End, len(seg.MessageIDs), gapThresholdSeconds).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation for chat %d: %w", chatID, err)
	}

	if err := attachMessages(tx, id, seg.MessageIDs); err != nil {
		return nil, err
	}
	return &existingConversation{ID: id, Start: seg.Start, End: seg.End}, nil
}

func attachMessages(tx *sql.Tx, conversationID int64, messageIDs []int64) error {
	stmt, err := tx.Prepare(`UPDATE messages SET conversation_id = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare message attach statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range messageIDs {
		if _, err := stmt.Exec(conversationID, id); err != nil {
			return fmt.Errorf("failed to attach message %d to conversation %d: %w", id, conversationID, err)
		}
	}
	return nil
}

package conversation

import (
	"database/sql"
	"fmt"
)

// BackupResult reports what a fresh-split-and-compare pass did for one chat.
type BackupResult struct {
	Reused   int
	Replaced int
}

type existingWithMembers struct {
	ID         int64
	Start      sql.NullTime
	End        sql.NullTime
	MessageIDs []int64
}

// ReconcileChatBackup recomputes the full segmentation of chatID from
// scratch and reconciles it against the chat's existing conversations:
// reusing an existing conversation's id where its message-id set exactly
// matches a fresh segment, and otherwise detaching and deleting every
// existing conversation whose interval overlaps the fresh segment before
// inserting a replacement.
func (e *Engine) ReconcileChatBackup(chatID int64, gapThresholdSeconds int64) (*BackupResult, error) {
	messages, err := e.loadMessages(chatID, nil)
	if err != nil {
		return nil, err
	}
	fresh := segmentMessages(messages, gapThresholdSeconds)

	tx, err := e.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin backup reconciliation transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := e.loadExistingWithMembers(tx, chatID)
	if err != nil {
		return nil, err
	}

	result := &BackupResult{}
	consumed := make(map[int64]bool, len(existing))

	for _, seg := range fresh {
		segIDs := sortedMessageIDs(seg.MessageIDs)

		if reuseID, ok := findExactMatch(existing, consumed, segIDs); ok {
			consumed[reuseID] = true
			result.Reused++
			continue
		}

		overlapping := findOverlapping(existing, consumed, seg)
		for _, ex := range overlapping {
			consumed[ex.ID] = true
			if err := detachMessages(tx, ex.MessageIDs); err != nil {
				return nil, err
			}
			if err := deleteConversation(tx, ex.ID); err != nil {
				return nil, err
			}
		}

		if _, err := e.createConversation(tx, chatID, seg, gapThresholdSeconds); err != nil {
			return nil, err
		}
		result.Replaced++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit backup reconciliation: %w", err)
	}
	return result, nil
}

func (e *Engine) loadExistingWithMembers(tx *sql.Tx, chatID int64) ([]existingWithMembers, error) {
	rows, err := tx.Query(`
		SELECT id, start_at, end_at FROM conversations WHERE chat_id = ?
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing conversations for chat %d: %w", chatID, err)
	}

	var out []existingWithMembers
	for rows.Next() {
		var c existingWithMembers
		if err := rows.Scan(&c.ID, &c.Start, &c.End); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan existing conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating existing conversations: %w", err)
	}
	rows.Close()

	for i := range out {
		ids, err := loadConversationMessageIDs(tx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].MessageIDs = ids
	}
	return out, nil
}

func loadConversationMessageIDs(tx *sql.Tx, conversationID int64) ([]int64, error) {
	rows, err := tx.Query(`SELECT id FROM messages WHERE conversation_id = ? ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load members of conversation %d: %w", conversationID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan conversation member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func findExactMatch(existing []existingWithMembers, consumed map[int64]bool, segIDs []int64) (int64, bool) {
	for _, ex := range existing {
		if consumed[ex.ID] {
			continue
		}
		if sameMessageIDSet(sortedMessageIDs(ex.MessageIDs), segIDs) {
			return ex.ID, true
		}
	}
	return 0, false
}

// findOverlapping returns every not-yet-consumed existing conversation
// whose interval overlaps seg's, inclusive on both ends:
// existing.start <= seg.end && existing.end >= seg.start.
func findOverlapping(existing []existingWithMembers, consumed map[int64]bool, seg Segment) []existingWithMembers {
	var out []existingWithMembers
	for _, ex := range existing {
		if consumed[ex.ID] || !ex.Start.Valid || !ex.End.Valid {
			continue
		}
		if !ex.Start.Time.After(seg.End) && !ex.End.Time.Before(seg.Start) {
			out = append(out, ex)
		}
	}
	return out
}

func detachMessages(tx *sql.Tx, messageIDs []int64) error {
	stmt, err := tx.Prepare(`UPDATE messages SET conversation_id = NULL WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare detach statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range messageIDs {
		if _, err := stmt.Exec(id); err != nil {
			return fmt.Errorf("failed to detach message %d: %w", id, err)
		}
	}
	return nil
}

func deleteConversation(tx *sql.Tx, conversationID int64) error {
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to delete conversation %d: %w", conversationID, err)
	}
	return nil
}

package syncengine

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/chatmirror/chatmirror/internal/cache"
	"github.com/chatmirror/chatmirror/internal/source"
	"github.com/chatmirror/chatmirror/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *sql.DB) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "store.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, cache.New()), db
}

func rawMessage(rowID int64, guid, text, sender string, isFromMe bool, dateNanos int64, messageType int64) source.RawMessage {
	return source.RawMessage{
		SourceRowID:      rowID,
		GUID:             guid,
		Text:             sql.NullString{String: text, Valid: text != ""},
		SenderIdentifier: sql.NullString{String: sender, Valid: sender != ""},
		TimestampNanos:   dateNanos,
		TimestampPresent: true,
		IsFromMe:         isFromMe,
		MessageType:      messageType,
		ServiceName:      sql.NullString{String: "iMessage", Valid: true},
		SourceChatID:     1,
		ChatIdentifier:   "+14155550100",
		ChatParticipants: sql.NullString{String: "+14155550100", Valid: true},
	}
}

func TestSyncMessages_CreatesChatContactAndMessage(t *testing.T) {
	e, db := newTestEngine(t)

	result, err := e.SyncMessages([]source.RawMessage{
		rawMessage(1, "guid-1", "hello there", "+14155550100", false, 1_000_000_000, 0),
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.MessagesInserted != 1 {
		t.Fatalf("got %d inserted", result.MessagesInserted)
	}
	if len(result.TouchedChatIDs) != 1 {
		t.Fatalf("got %d touched chats", len(result.TouchedChatIDs))
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM chats WHERE chat_identifier = '4155550100'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected chat to be created with normalised identifier, got %d", count)
	}

	if err := db.QueryRow(`SELECT COUNT(*) FROM contacts WHERE data_source = 'auto'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected auto-created sender contact, got %d", count)
	}

	var content string
	if err := db.QueryRow(`SELECT content FROM messages WHERE guid = 'guid-1'`).Scan(&content); err != nil {
		t.Fatal(err)
	}
	if content != "hello there" {
		t.Fatalf("got content %q", content)
	}
}

func TestSyncMessages_IdempotentOnLiveSource(t *testing.T) {
	e, db := newTestEngine(t)
	raw := []source.RawMessage{rawMessage(1, "guid-1", "hi", "+14155550100", false, 1_000_000_000, 0)}

	if _, err := e.SyncMessages(raw); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if _, err := e.SyncMessages(raw); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected idempotent ingestion to leave 1 row, got %d", count)
	}
}

func TestSyncMessages_ClassifiesReactionSeparately(t *testing.T) {
	e, db := newTestEngine(t)

	base := rawMessage(1, "guid-1", "hi", "+14155550100", false, 1_000_000_000, 0)
	reaction := rawMessage(2, "guid-2", "", "+14155550100", false, 1_000_000_100, 2000)
	reaction.AssociatedMessageGUID = sql.NullString{String: "guid-1", Valid: true}

	result, err := e.SyncMessages([]source.RawMessage{base, reaction})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.MessagesInserted != 1 || result.ReactionsInserted != 1 {
		t.Fatalf("got messages=%d reactions=%d", result.MessagesInserted, result.ReactionsInserted)
	}

	var originalGUID string
	if err := db.QueryRow(`SELECT original_message_guid FROM reactions WHERE guid = 'guid-2'`).Scan(&originalGUID); err != nil {
		t.Fatal(err)
	}
	if originalGUID != "guid-1" {
		t.Fatalf("got %q", originalGUID)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("reaction must not also appear as a message, got %d messages", count)
	}
}

func TestSyncMessages_RoundTripGUIDToID(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.SyncMessages([]source.RawMessage{rawMessage(1, "guid-1", "hi", "+14155550100", false, 1_000_000_000, 0)}); err != nil {
		t.Fatal(err)
	}

	id, ok, err := e.cache.MessageIDByGUID(e.db, "guid-1")
	if err != nil || !ok {
		t.Fatalf("got ok=%v err=%v", ok, err)
	}
	if id <= 0 {
		t.Fatalf("got id=%d", id)
	}
}

func TestSyncMessages_MembershipEventClassifiedSeparately(t *testing.T) {
	e, db := newTestEngine(t)
	membership := rawMessage(1, "guid-1", "", "+14155550100", false, 1_000_000_000, 0)
	membership.GroupActionType = sql.NullInt64{Int64: 1, Valid: true}

	result, err := e.SyncMessages([]source.RawMessage{membership})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.MembershipInserted != 1 || result.MessagesInserted != 0 {
		t.Fatalf("got membership=%d messages=%d", result.MembershipInserted, result.MessagesInserted)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("membership event must not appear as a message, got %d", count)
	}
}

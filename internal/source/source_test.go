package source

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

const testSchema = `
CREATE TABLE handle (ROWID INTEGER PRIMARY KEY, id TEXT);
CREATE TABLE chat (
	ROWID INTEGER PRIMARY KEY,
	chat_identifier TEXT,
	display_name TEXT,
	service_name TEXT,
	account_login TEXT
);
CREATE TABLE chat_handle_join (chat_id INTEGER, handle_id INTEGER);
CREATE TABLE message (
	ROWID INTEGER PRIMARY KEY,
	guid TEXT,
	text TEXT,
	attributedBody BLOB,
	handle_id INTEGER,
	date INTEGER,
	is_from_me INTEGER,
	type INTEGER,
	group_action_type INTEGER,
	service TEXT,
	associated_message_guid TEXT
);
CREATE TABLE chat_message_join (chat_id INTEGER, message_id INTEGER);
CREATE TABLE attachment (
	ROWID INTEGER PRIMARY KEY,
	guid TEXT,
	created_date INTEGER,
	filename TEXT,
	uti TEXT,
	mime_type TEXT,
	total_bytes INTEGER,
	is_sticker INTEGER
);
CREATE TABLE message_attachment_join (message_id INTEGER, attachment_id INTEGER);
`

func newTestSource(t *testing.T) (*Source, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")
	seed, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open seed: %v", err)
	}
	if _, err := seed.Exec(testSchema); err != nil {
		t.Fatalf("schema: %v", err)
	}
	seedFixtures(t, seed)
	seed.Close()

	s, err := Open(path, false)
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func seedFixtures(t *testing.T, db *sql.DB) {
	t.Helper()
	exec := func(q string, args ...interface{}) {
		if _, err := db.Exec(q, args...); err != nil {
			t.Fatalf("seed exec %q: %v", q, err)
		}
	}
	exec(`INSERT INTO handle (ROWID, id) VALUES (1, '+14155550100')`)
	exec(`INSERT INTO chat (ROWID, chat_identifier, display_name, service_name, account_login) VALUES (1, '+14155550100', '', 'iMessage', 'P:+14155550199')`)
	exec(`INSERT INTO chat_handle_join (chat_id, handle_id) VALUES (1, 1)`)
	exec(`INSERT INTO message (ROWID, guid, text, handle_id, date, is_from_me, type, service) VALUES (1, 'msg-guid-1', 'hello', 1, 728000000, 0, 0, 'iMessage')`)
	exec(`INSERT INTO chat_message_join (chat_id, message_id) VALUES (1, 1)`)
	exec(`INSERT INTO message (ROWID, guid, text, handle_id, date, is_from_me, type, associated_message_guid, service) VALUES (2, 'msg-guid-2', NULL, 1, 728000001, 0, 2000, 'msg-guid-1', 'iMessage')`)
	exec(`INSERT INTO chat_message_join (chat_id, message_id) VALUES (1, 2)`)
	exec(`INSERT INTO attachment (ROWID, guid, created_date, filename, uti, mime_type, total_bytes, is_sticker) VALUES (1, 'att-guid-1', 728000000, 'photo.jpg', 'public.jpeg', 'image/jpeg', 1024, 0)`)
	exec(`INSERT INTO message_attachment_join (message_id, attachment_id) VALUES (1, 1)`)
}

func TestFetchMessages(t *testing.T) {
	s, _ := newTestSource(t)
	rows, high, err := s.FetchMessages(0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(rows) != 2 || high != 2 {
		t.Fatalf("got %d rows, high=%d", len(rows), high)
	}
	if rows[0].GUID != "msg-guid-1" || !rows[0].TimestampPresent || rows[0].MessageType != 0 {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
	if rows[1].GUID != "msg-guid-2" || rows[1].MessageType != 2000 || !rows[1].AssociatedMessageGUID.Valid {
		t.Fatalf("unexpected tapback row: %+v", rows[1])
	}

	rows, high, err = s.FetchMessages(2)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(rows) != 0 || high != 2 {
		t.Fatalf("expected no new rows past high watermark, got %d high=%d", len(rows), high)
	}
}

func TestFetchAttachments(t *testing.T) {
	s, _ := newTestSource(t)
	rows, high, err := s.FetchAttachments(0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(rows) != 1 || high != 1 {
		t.Fatalf("got %d rows, high=%d", len(rows), high)
	}
	if rows[0].OwningMessageGUID != "msg-guid-1" {
		t.Fatalf("unexpected owning guid: %+v", rows[0])
	}
}

func TestMaxRowIDs(t *testing.T) {
	s, _ := newTestSource(t)
	maxMsg, err := s.MaxMessageRowID()
	if err != nil || maxMsg != 2 {
		t.Fatalf("got %d err=%v", maxMsg, err)
	}
	maxAtt, err := s.MaxAttachmentRowID()
	if err != nil || maxAtt != 1 {
		t.Fatalf("got %d err=%v", maxAtt, err)
	}
}

func TestAccountLogins(t *testing.T) {
	s, _ := newTestSource(t)
	logins, err := s.AccountLogins()
	if err != nil {
		t.Fatalf("logins: %v", err)
	}
	if len(logins) != 1 || logins[0] != "P:+14155550199" {
		t.Fatalf("got %v", logins)
	}
}

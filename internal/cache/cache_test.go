package cache

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	schema := `
		CREATE TABLE contacts (id INTEGER PRIMARY KEY, is_me INTEGER);
		CREATE TABLE contact_identifiers (identifier TEXT, contact_id INTEGER);
		CREATE TABLE chats (id INTEGER PRIMARY KEY, chat_identifier TEXT, is_group INTEGER, display_name TEXT);
		CREATE TABLE messages (id INTEGER PRIMARY KEY, guid TEXT);
		CREATE TABLE reactions (guid TEXT);
		CREATE TABLE attachments (guid TEXT);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestContactByIdentifier_LazyLoadThenMiss(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.Exec(`INSERT INTO contact_identifiers (identifier, contact_id) VALUES ('4155550100', 1)`); err != nil {
		t.Fatal(err)
	}

	c := New()
	id, ok, err := c.ContactByIdentifier(db, "4155550100")
	if err != nil || !ok || id != 1 {
		t.Fatalf("got id=%d ok=%v err=%v", id, ok, err)
	}

	_, ok, err = c.ContactByIdentifier(db, "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected miss for unknown identifier")
	}
}

func TestPutContact_VisibleWithoutReload(t *testing.T) {
	db := newTestDB(t)
	c := New()
	// Force a load with an empty table.
	if _, _, err := c.ContactByIdentifier(db, "x"); err != nil {
		t.Fatal(err)
	}
	c.PutContact("newcontact", 42)

	id, ok, err := c.ContactByIdentifier(db, "newcontact")
	if err != nil || !ok || id != 42 {
		t.Fatalf("got id=%d ok=%v err=%v", id, ok, err)
	}
}

func TestReactionAndAttachmentGUIDSets(t *testing.T) {
	db := newTestDB(t)
	c := New()

	has, err := c.HasReaction(db, "r1")
	if err != nil || has {
		t.Fatalf("unexpected: %v %v", has, err)
	}
	c.PutReaction("r1")
	has, err = c.HasReaction(db, "r1")
	if err != nil || !has {
		t.Fatalf("expected hit: %v %v", has, err)
	}

	has, err = c.HasAttachment(db, "a1")
	if err != nil || has {
		t.Fatalf("unexpected: %v %v", has, err)
	}
	c.PutAttachment("a1")
	has, err = c.HasAttachment(db, "a1")
	if err != nil || !has {
		t.Fatalf("expected hit: %v %v", has, err)
	}
}

func TestResetAll(t *testing.T) {
	db := newTestDB(t)
	c := New()
	c.PutMessage("g1", 1)
	c.ResetAll()

	id, ok, err := c.MessageIDByGUID(db, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if ok || id != 0 {
		t.Fatalf("expected reset cache to miss, got id=%d ok=%v", id, ok)
	}
}

func TestSourceParticipants(t *testing.T) {
	c := New()
	if _, ok := c.SourceParticipants(7); ok {
		t.Fatal("expected miss before Put")
	}
	c.PutSourceParticipants(7, "a@example.com,4155550100")
	p, ok := c.SourceParticipants(7)
	if !ok || p != "a@example.com,4155550100" {
		t.Fatalf("got %q ok=%v", p, ok)
	}
}

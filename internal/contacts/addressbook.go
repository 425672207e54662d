package contacts

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chatmirror/chatmirror/internal/normalize"
)

// LiveAddressBookETL hydrates contact display names from the macOS
// AddressBook databases under the current user's Library directory. It is a
// best-effort, fail-soft collaborator: an unreadable source or an unmatched
// row is skipped rather than propagated; a failed update is returned.
type LiveAddressBookETL struct{}

type addressBookEntry struct {
	name       string
	identifier string
	kind       normalize.IdentifierKind
}

// PopulateContacts walks every AddressBook-v22.abcddb file it can find and
// updates contacts.display_name for any contact identifier it recognizes.
func (LiveAddressBookETL) PopulateContacts(ctx context.Context, store *sql.DB) error {
	paths, err := findLiveAddressBooks()
	if err != nil {
		return fmt.Errorf("failed to locate address book databases: %w", err)
	}

	findStmt, err := store.PrepareContext(ctx, `
		SELECT c.id, c.display_name
		FROM contacts c
		JOIN contact_identifiers ci ON c.id = ci.contact_id
		WHERE ci.identifier = ? AND ci.kind = ?
		LIMIT 1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare contact lookup: %w", err)
	}
	defer findStmt.Close()

	updateStmt, err := store.PrepareContext(ctx, `
		UPDATE contacts SET display_name = ?, data_source = 'live_addressbook' WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare contact update: %w", err)
	}
	defer updateStmt.Close()

	for _, path := range paths {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entries, err := extractAddressBookEntries(path)
		if err != nil {
			continue
		}
		for _, e := range entries {
			var contactID int64
			var existingName string
			if err := findStmt.QueryRowContext(ctx, e.identifier, e.kind.String()).Scan(&contactID, &existingName); err != nil {
				continue
			}
			if !nameNeedsUpdate(existingName, e.identifier) || e.name == "" || e.name == existingName {
				continue
			}
			if _, err := updateStmt.ExecContext(ctx, e.name, contactID); err != nil {
				return fmt.Errorf("failed to update contact %d: %w", contactID, err)
			}
		}
	}
	return nil
}

func findLiveAddressBooks() ([]string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	root := filepath.Join(home, "Library", "Application Support", "AddressBook")

	var dbs []string
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || d == nil || d.IsDir() {
			return nil
		}
		if d.Name() == "AddressBook-v22.abcddb" {
			dbs = append(dbs, path)
		}
		return nil
	})
	return dbs, nil
}

func extractAddressBookEntries(dbPath string) ([]addressBookEntry, error) {
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", dbPath))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var tableName string
	if err := conn.QueryRow(`
		SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'ZABCDRECORD' LIMIT 1
	`).Scan(&tableName); err != nil {
		return nil, nil
	}

	rows, err := conn.Query(`
		SELECT r.ZFIRSTNAME, r.ZLASTNAME, p.ZFULLNUMBER AS identifier
		FROM ZABCDRECORD r
		LEFT JOIN ZABCDPHONENUMBER p ON p.ZOWNER = r.Z_PK
		WHERE p.ZFULLNUMBER IS NOT NULL
		UNION
		SELECT r.ZFIRSTNAME, r.ZLASTNAME, m.ZADDRESS AS identifier
		FROM ZABCDRECORD r
		LEFT JOIN ZABCDMESSAGINGADDRESS m ON m.ZOWNER = r.Z_PK
		WHERE m.ZADDRESS IS NOT NULL
	`)
	if err != nil {
		// Some AddressBook variants omit the messaging-address table.
		return nil, nil
	}
	defer rows.Close()

	var out []addressBookEntry
	for rows.Next() {
		var first, last, rawIdentifier sql.NullString
		if err := rows.Scan(&first, &last, &rawIdentifier); err != nil {
			return nil, err
		}
		if !rawIdentifier.Valid {
			continue
		}

		name := cleanContactName(strings.TrimSpace(strings.TrimSpace(first.String) + " " + strings.TrimSpace(last.String)))
		if isSystemContact(name, rawIdentifier.String) {
			continue
		}

		identifier, kind := normalize.Identifier(rawIdentifier.String)
		if identifier == "" {
			continue
		}
		if name == "" {
			name = identifier
		}
		out = append(out, addressBookEntry{name: name, identifier: identifier, kind: kind})
	}
	return out, rows.Err()
}

func isSystemContact(name, identifier string) bool {
	return strings.HasPrefix(name, "#") ||
		strings.HasPrefix(identifier, "#") ||
		strings.HasPrefix(name, "*") ||
		strings.HasPrefix(identifier, "*") ||
		strings.Contains(name, "VZ") ||
		strings.Contains(name, "Roadside") ||
		strings.Contains(name, "Assistance")
}

func cleanContactName(name string) string {
	parts := strings.Fields(name)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.EqualFold(p, "none") {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, " ")
}

// nameNeedsUpdate reports whether existingName looks like a placeholder
// (empty, or just the raw identifier with punctuation stripped) rather than
// a real resolved name.
func nameNeedsUpdate(existingName, identifier string) bool {
	existingName = strings.TrimSpace(existingName)
	if existingName == "" || existingName == identifier {
		return true
	}
	replacer := strings.NewReplacer("+", "", "-", "", " ", "", "(", "", ")", "")
	clean := replacer.Replace(existingName)
	return clean != "" && isAllDigits(clean)
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Package contacts defines the external collaborator contracts for
// populating contact names from an address book and for locating the
// source databases inside a backup directory, plus a best-effort reference
// implementation of each against the live macOS environment.
package contacts

import (
	"context"
	"database/sql"
)

// ETL populates display names on existing contacts from an external
// address book. Implementations are expected to fail soft: a contact it
// cannot resolve is left untouched rather than erroring the whole pass.
type ETL interface {
	PopulateContacts(ctx context.Context, store *sql.DB) error
}

// BackupLocator finds the chat database and address book database inside a
// macOS backup directory (an unencrypted iTunes/Finder backup tree keyed by
// SHA-1 hashed relative paths).
type BackupLocator interface {
	Locate(ctx context.Context, backupDir string) (smsDBPath, addressBookDBPath string, err error)
}

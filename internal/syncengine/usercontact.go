package syncengine

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/chatmirror/chatmirror/internal/normalize"
)

// RefreshUserContact replaces the is-me contact's identifiers from the most
// recent phone ("P:+...") and email ("E:...") account_login hints the live
// source has recorded. It is only meaningful for the live source; a backup
// snapshot's account_login history is not trusted to reflect the current
// user identity and this is never called for it.
func (e *Engine) RefreshUserContact(logins []string) error {
	var phone, email string
	for _, login := range logins {
		switch {
		case phone == "" && strings.HasPrefix(login, "P:"):
			phone = normalize.Phone(strings.TrimPrefix(login, "P:"))
		case email == "" && strings.HasPrefix(login, "E:"):
			email = normalize.Email(strings.TrimPrefix(login, "E:"))
		}
		if phone != "" && email != "" {
			break
		}
	}
	if phone == "" && email == "" {
		return nil
	}

	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin user-contact refresh transaction: %w", err)
	}
	defer tx.Rollback()

	meID, err := e.meContactID(tx)
	if err != nil {
		return err
	}

	if phone != "" {
		if err := replaceIdentifier(tx, meID, phone, "phone"); err != nil {
			return err
		}
		e.cache.PutContact(phone, meID)
	}
	if email != "" {
		if err := replaceIdentifier(tx, meID, email, "email"); err != nil {
			return err
		}
		e.cache.PutContact(email, meID)
	}

	return tx.Commit()
}

func replaceIdentifier(tx *sql.Tx, contactID int64, identifier, kind string) error {
	if _, err := tx.Exec(`DELETE FROM contact_identifiers WHERE contact_id = ? AND kind = ?`, contactID, kind); err != nil {
		return fmt.Errorf("failed to clear existing %s identifier: %w", kind, err)
	}
	if _, err := tx.Exec(`
		INSERT INTO contact_identifiers (contact_id, identifier, kind, is_primary, last_used)
		VALUES (?, ?, ?, 1, CURRENT_TIMESTAMP)
	`, contactID, identifier, kind); err != nil {
		return fmt.Errorf("failed to insert replacement %s identifier: %w", kind, err)
	}
	return nil
}

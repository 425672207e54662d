package contacts

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// ManifestBackupLocator resolves the source chat database and address book
// database inside an unencrypted macOS Finder/iTunes backup by looking up
// their content-addressed file ids in the backup's Manifest.db.
type ManifestBackupLocator struct{}

const (
	smsRelativePath         = "Library/SMS/sms.db"
	addressBookRelativePath = "Library/AddressBook/AddressBook.sqlitedb"
)

// Locate returns the on-disk paths of the SMS/chat database and the address
// book database found inside backupDir, or an empty string for either one
// it cannot resolve.
func (ManifestBackupLocator) Locate(ctx context.Context, backupDir string) (smsDBPath, addressBookDBPath string, err error) {
	manifestPath := filepath.Join(backupDir, "Manifest.db")
	if _, statErr := os.Stat(manifestPath); statErr != nil {
		return "", "", fmt.Errorf("manifest not found at %s: %w", manifestPath, statErr)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", manifestPath))
	if err != nil {
		return "", "", fmt.Errorf("failed to open manifest: %w", err)
	}
	defer conn.Close()

	table, err := manifestFilesTable(ctx, conn)
	if err != nil {
		return "", "", err
	}

	smsDBPath, _ = resolveBackupFile(ctx, conn, table, backupDir, smsRelativePath)
	addressBookDBPath, _ = resolveBackupFile(ctx, conn, table, backupDir, addressBookRelativePath)
	return smsDBPath, addressBookDBPath, nil
}

// manifestFilesTable finds whichever casing of the file-index table this
// backup's Manifest.db schema version used.
func manifestFilesTable(ctx context.Context, conn *sql.DB) (string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return "", fmt.Errorf("failed to list manifest tables: %w", err)
	}
	defer rows.Close()

	candidates := map[string]bool{"Files": true, "files": true, "File": true, "file": true}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", fmt.Errorf("failed to scan manifest table name: %w", err)
		}
		if candidates[name] {
			return name, nil
		}
	}
	return "", fmt.Errorf("manifest has no recognizable file index table")
}

func resolveBackupFile(ctx context.Context, conn *sql.DB, table, backupDir, relativePath string) (string, error) {
	var fileID string
	query := fmt.Sprintf(`SELECT fileID FROM %s WHERE relativePath = ? AND domain = 'HomeDomain'`, table)
	if err := conn.QueryRowContext(ctx, query, relativePath).Scan(&fileID); err != nil {
		return "", fmt.Errorf("failed to resolve %s in manifest: %w", relativePath, err)
	}
	if len(fileID) < 2 {
		return "", fmt.Errorf("unexpected file id %q for %s", fileID, relativePath)
	}

	path := filepath.Join(backupDir, fileID[:2], fileID)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%s not found in backup at %s: %w", relativePath, path, err)
	}
	return path, nil
}

// DefaultBackupRoot returns the directory macOS stores Finder/iTunes device
// backups under, or "" if the home directory cannot be determined. The
// path is built the same way on every platform.
func DefaultBackupRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, "Library", "Application Support", "MobileSync", "Backup")
}

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/chatmirror/chatmirror/internal/cache"
	"github.com/chatmirror/chatmirror/internal/config"
	"github.com/chatmirror/chatmirror/internal/contacts"
	"github.com/chatmirror/chatmirror/internal/conversation"
	"github.com/chatmirror/chatmirror/internal/source"
	"github.com/chatmirror/chatmirror/internal/store"
	"github.com/chatmirror/chatmirror/internal/syncengine"
	"github.com/chatmirror/chatmirror/internal/watch"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "chatmirror",
		Short: "Mirrors an iMessage chat database into a local relational store",
		Long: `chatmirror mirrors chat.db (and, on first run, the live address books)
into a local relational store, deriving conversation segments from message
timing. Run with no arguments to perform the initial import and then watch
the live source for changes; it runs until interrupted.`,
		RunE: runEntry,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Perform the initial import, if needed, then watch the live source",
		RunE:  runEntry,
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the application directory and internal store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := os.MkdirAll(cfg.AppDir, 0o755); err != nil {
				return printErrorJSON(fmt.Errorf("failed to create app directory: %w", err))
			}

			db, err := store.Open(cfg.StoreDBPath)
			if err != nil {
				return printErrorJSON(fmt.Errorf("failed to initialize store: %w", err))
			}
			defer db.Close()

			return printJSON(map[string]interface{}{
				"ok":            true,
				"app_dir":       cfg.AppDir,
				"store_db_path": cfg.StoreDBPath,
			})
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(map[string]interface{}{"version": version})
		},
	}

	pathsCmd := &cobra.Command{
		Use:   "paths",
		Short: "Print the resolved application paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			return printJSON(map[string]interface{}{
				"app_dir":        cfg.AppDir,
				"store_db_path":  cfg.StoreDBPath,
				"source_db_path": cfg.SourceDBPath,
				"config_path":    cfg.ConfigPath,
			})
		},
	}

	rootCmd.AddCommand(runCmd, initCmd, versionCmd, pathsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runEntry(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := os.MkdirAll(cfg.AppDir, 0o755); err != nil {
		return printErrorJSON(fmt.Errorf("failed to create app directory: %w", err))
	}

	db, err := store.Open(cfg.StoreDBPath)
	if err != nil {
		return printErrorJSON(fmt.Errorf("failed to open internal store: %w", err))
	}
	defer db.Close()

	c := cache.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	_, haveWatermark, err := store.GetWatermarkInt64(db, store.KeyLastMessageRowID)
	if err != nil {
		return printErrorJSON(fmt.Errorf("failed to read watermark: %w", err))
	}
	if !haveWatermark {
		if err := runInitialImport(ctx, db, c, cfg); err != nil {
			return printErrorJSON(fmt.Errorf("initial import failed: %w", err))
		}
	}

	w := watch.New(db, c, cfg.SourceDBPath, cfg.GapThresholdSeconds, cfg.PollInterval, cfg.DebounceInterval, cfg.GraceInterval)
	if err := w.Run(ctx); err != nil {
		return printErrorJSON(fmt.Errorf("watcher stopped with error: %w", err))
	}

	return printJSON(map[string]interface{}{"ok": true, "message": "stopped"})
}

// runInitialImport performs the one-shot fresh-split-and-compare backup
// import: every message and attachment currently in the source is synced in
// backup mode, every touched chat's conversations are fully re-derived, and
// the watermarks are initialized so the watcher picks up only what follows.
func runInitialImport(ctx context.Context, db *sql.DB, c *cache.Cache, cfg *config.Config) error {
	src, err := source.Open(cfg.SourceDBPath, true)
	if err != nil {
		return fmt.Errorf("failed to open source database at %s: %w", cfg.SourceDBPath, err)
	}
	defer src.Close()

	messages, _, err := src.FetchMessages(0)
	if err != nil {
		return fmt.Errorf("failed to extract messages: %w", err)
	}
	attachments, _, err := src.FetchAttachments(0)
	if err != nil {
		return fmt.Errorf("failed to extract attachments: %w", err)
	}

	engine := syncengine.New(db, c)
	engine.Backup = true

	result, err := engine.SyncMessages(messages)
	if err != nil {
		return fmt.Errorf("failed to sync messages: %w", err)
	}

	convEngine := conversation.New(db)
	for chatID := range result.TouchedChatIDs {
		if _, err := convEngine.ReconcileChatBackup(chatID, cfg.GapThresholdSeconds); err != nil {
			return fmt.Errorf("failed to reconcile conversations for chat %d: %w", chatID, err)
		}
	}

	if _, err := engine.SyncAttachments(attachments); err != nil {
		return fmt.Errorf("failed to sync attachments: %w", err)
	}

	maxMessageRowID, err := src.MaxMessageRowID()
	if err != nil {
		return fmt.Errorf("failed to read max message row-id: %w", err)
	}
	maxAttachmentRowID, err := src.MaxAttachmentRowID()
	if err != nil {
		return fmt.Errorf("failed to read max attachment row-id: %w", err)
	}
	if err := store.InitializeRowIDWatermarks(db, maxMessageRowID, maxAttachmentRowID); err != nil {
		return fmt.Errorf("failed to initialize row-id watermarks: %w", err)
	}
	if err := store.InitializeTimestampWatermark(db); err != nil {
		return fmt.Errorf("failed to initialize timestamp watermark: %w", err)
	}

	var etl contacts.ETL = contacts.LiveAddressBookETL{}
	if err := etl.PopulateContacts(ctx, db); err != nil {
		log.Printf("chatmirror: address book hydration skipped: %v", err)
	}

	return nil
}

func printJSON(data interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

func printErrorJSON(err error) error {
	output := map[string]interface{}{
		"ok":    false,
		"error": err.Error(),
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if encErr := encoder.Encode(output); encErr != nil {
		return fmt.Errorf("failed to encode error JSON: %w", encErr)
	}
	return err
}

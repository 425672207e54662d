// Package watch tails the source database for changes and drives
// incremental sync cycles. A single-threaded consumer processes events
// produced by an independent poller goroutine; all store access and cache
// mutation happens on the consumer.
package watch

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatmirror/chatmirror/internal/cache"
	"github.com/chatmirror/chatmirror/internal/conversation"
	"github.com/chatmirror/chatmirror/internal/source"
	"github.com/chatmirror/chatmirror/internal/store"
	"github.com/chatmirror/chatmirror/internal/syncengine"
	"github.com/chatmirror/chatmirror/internal/timestamp"
)

// Watcher owns the single async task that tails the source database and
// drives sync cycles against the internal store.
type Watcher struct {
	sourcePath string
	db         *sql.DB
	cache      *cache.Cache

	gapThresholdSeconds int64
	pollInterval        time.Duration
	debounceInterval    time.Duration
	graceInterval       time.Duration

	mu  sync.Mutex
	src *source.Source
}

// New returns a Watcher driving cycles against db, tailing sourcePath.
func New(db *sql.DB, c *cache.Cache, sourcePath string, gapThresholdSeconds int64, poll, debounce, grace time.Duration) *Watcher {
	return &Watcher{
		sourcePath:          sourcePath,
		db:                  db,
		cache:               c,
		gapThresholdSeconds: gapThresholdSeconds,
		pollInterval:        poll,
		debounceInterval:    debounce,
		graceInterval:       grace,
	}
}

// Run starts the poller and consumer and blocks until ctx is cancelled,
// then tears down cleanly: the poller stops, no residual events are
// drained, and any cached source connection is closed.
func (w *Watcher) Run(ctx context.Context) error {
	events := make(chan struct{}, 4096)

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.poll(childCtx, events)
	}()

	err := w.consume(childCtx, events)
	cancel()
	wg.Wait()

	w.mu.Lock()
	if w.src != nil {
		w.src.Close()
		w.src = nil
	}
	w.mu.Unlock()

	return err
}

type fileState struct {
	dbModTime  time.Time
	walModTime time.Time
}

func statModTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// poll stats the source database and its WAL sidekick every pollInterval
// and pushes an event whenever either has changed, including appearance or
// disappearance of either file.
func (w *Watcher) poll(ctx context.Context, events chan<- struct{}) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var last fileState
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := fileState{
				dbModTime:  statModTime(w.sourcePath),
				walModTime: statModTime(w.sourcePath + "-wal"),
			}
			if !current.dbModTime.Equal(last.dbModTime) || !current.walModTime.Equal(last.walModTime) {
				last = current
				select {
				case events <- struct{}{}:
				default:
					// The queue is full only if the consumer has fallen
					// far behind; a single pending signal already
					// guarantees the next cycle observes this change.
				}
			}
		}
	}
}

// consume implements the debounced event loop: a burst of events within
// debounceInterval of each other coalesces into one cycle, run after an
// additional grace sleep to let the source writer finish its current WAL
// frame.
func (w *Watcher) consume(ctx context.Context, events <-chan struct{}) error {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-events:
			if timer == nil {
				timer = time.NewTimer(w.debounceInterval)
			} else {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(w.debounceInterval)
			}
			timerC = timer.C
		case <-timerC:
			timer = nil
			timerC = nil

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.graceInterval):
			}

			traceID := uuid.NewString()
			if err := w.runCycle(ctx); err != nil {
				log.Printf("chatmirror: cycle %s failed: %v", traceID, err)
			}
		}
	}
}

func (w *Watcher) sourceConn() (*source.Source, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.src == nil {
		src, err := source.Open(w.sourcePath, true)
		if err != nil {
			return nil, err
		}
		w.src = src
	}
	return w.src, nil
}

func (w *Watcher) resetSourceConn() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.src != nil {
		w.src.Close()
		w.src = nil
	}
}

// runCycle executes one full cycle: read watermarks, extract new rows, sync
// them, reconcile conversations for every touched chat, then advance
// watermarks. On any source-side failure it resets the cached connection
// and returns without advancing watermarks so the next cycle retries.
func (w *Watcher) runCycle(ctx context.Context) error {
	src, err := w.sourceConn()
	if err != nil {
		w.resetSourceConn()
		return fmt.Errorf("source unreachable: %w", err)
	}

	lastMessageRowID, _, err := store.GetWatermarkInt64(w.db, store.KeyLastMessageRowID)
	if err != nil {
		return err
	}
	lastAttachmentRowID, _, err := store.GetWatermarkInt64(w.db, store.KeyLastAttachmentRowID)
	if err != nil {
		return err
	}
	previousEpochNanos, havePreviousEpoch, err := store.GetWatermarkInt64(w.db, store.KeyAppleEpochNanos)
	if err != nil {
		return err
	}

	messages, newMessageHigh, err := src.FetchMessages(lastMessageRowID)
	if err != nil {
		w.resetSourceConn()
		return fmt.Errorf("failed to extract messages: %w", err)
	}
	attachments, newAttachmentHigh, err := src.FetchAttachments(lastAttachmentRowID)
	if err != nil {
		w.resetSourceConn()
		return fmt.Errorf("failed to extract attachments: %w", err)
	}

	if len(messages) == 0 && len(attachments) == 0 {
		return nil
	}

	engine := syncengine.New(w.db, w.cache)
	engine.Backup = false

	if len(messages) > 0 {
		result, err := engine.SyncMessages(messages)
		if err != nil {
			return fmt.Errorf("message sync failed: %w", err)
		}

		var since *time.Time
		if havePreviousEpoch {
			t := timestamp.FromNanos(previousEpochNanos)
			since = &t
		}

		convEngine := conversation.New(w.db)
		for chatID := range result.TouchedChatIDs {
			if _, err := convEngine.ReconcileChatLive(chatID, since, w.gapThresholdSeconds); err != nil {
				return fmt.Errorf("conversation reconciliation failed for chat %d: %w", chatID, err)
			}
		}

		maxNanos := previousEpochNanos
		for _, m := range messages {
			if m.TimestampPresent && m.TimestampNanos > maxNanos {
				maxNanos = m.TimestampNanos
			}
		}
		if err := store.SetWatermarkInt64(w.db, store.KeyAppleEpochNanos, maxNanos); err != nil {
			return err
		}
	}

	if err := store.SetWatermarkInt64(w.db, store.KeyLastMessageRowID, newMessageHigh); err != nil {
		return err
	}

	if len(attachments) > 0 {
		if _, err := engine.SyncAttachments(attachments); err != nil {
			return fmt.Errorf("attachment sync failed: %w", err)
		}
	}
	if err := store.SetWatermarkInt64(w.db, store.KeyLastAttachmentRowID, newAttachmentHigh); err != nil {
		return err
	}

	return nil
}

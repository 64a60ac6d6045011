package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type LedgerEntry struct {
	Hash      string         `json:"hash"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	FirstSeen string         `json:"firstSeen"`
}

type ledgerDocument struct {
	Entries map[string]LedgerEntry `json:"entries"`
}

// LedgerBackend persists the dedup ledger. Load returning (nil, nil) means
// no ledger exists yet.
type LedgerBackend interface {
	Load() (*ledgerDocument, error)
	Save(doc *ledgerDocument) error
}

type ledgerBackendCloser interface {
	Close() error
}

// DedupTracker suppresses re-processing of messages that have already been
// seen. It is a safety net: a malformed ledger degrades to an empty set
// (false negatives are acceptable, false positives are not), but a ledger
// that cannot be written surfaces as corruption so the daemon can halt the
// affected mailbox instead of silently double-processing.
type DedupTracker struct {
	mu      sync.RWMutex
	seen    map[string]LedgerEntry
	backend LedgerBackend
	logger  *slog.Logger
}

func NewDedupTracker(backend LedgerBackend, logger *slog.Logger) *DedupTracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &DedupTracker{
		seen:    map[string]LedgerEntry{},
		backend: backend,
		logger:  logger,
	}
	if backend == nil {
		return t
	}
	doc, err := backend.Load()
	if err != nil {
		logger.Warn("dedup ledger unreadable, starting empty", "error", err.Error())
		return t
	}
	if doc != nil {
		for hash, entry := range doc.Entries {
			t.seen[hash] = entry
		}
	}
	return t
}

func (t *DedupTracker) IsProcessed(hash string) bool {
	if t == nil || hash == "" {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.seen[hash]
	return ok
}

// Track records hash as processed. Tracking the same hash twice is a no-op
// after the first call; the persisted ledger holds exactly one entry per
// hash.
func (t *DedupTracker) Track(hash string, metadata map[string]any) error {
	if t == nil {
		return ErrInvalidState
	}
	if hash == "" {
		return ErrInvalidInput
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[hash]; ok {
		return nil
	}
	t.seen[hash] = LedgerEntry{
		Hash:      hash,
		Metadata:  metadata,
		FirstSeen: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := t.saveLocked(); err != nil {
		return fmt.Errorf("persist dedup ledger: %w", err)
	}
	return nil
}

// Reset clears the ledger. This is the only path that removes entries.
func (t *DedupTracker) Reset() error {
	if t == nil {
		return ErrInvalidState
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen = map[string]LedgerEntry{}
	return t.saveLocked()
}

func (t *DedupTracker) Size() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.seen)
}

func (t *DedupTracker) Close() error {
	if t == nil || t.backend == nil {
		return nil
	}
	if closer, ok := t.backend.(ledgerBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

func (t *DedupTracker) saveLocked() error {
	if t.backend == nil {
		return nil
	}
	entries := make(map[string]LedgerEntry, len(t.seen))
	for hash, entry := range t.seen {
		entries[hash] = entry
	}
	return t.backend.Save(&ledgerDocument{Entries: entries})
}

// JSONFileLedger stores the ledger as one JSON document through an
// AtomicFile, so it shares the primary/backup crash-safety guarantees.
type JSONFileLedger struct {
	file *AtomicFile
}

func NewJSONFileLedger(path string, logger *slog.Logger) (*JSONFileLedger, error) {
	file, err := NewAtomicFile(path, logger)
	if err != nil {
		return nil, err
	}
	return &JSONFileLedger{file: file}, nil
}

func (l *JSONFileLedger) Load() (*ledgerDocument, error) {
	if l == nil || l.file == nil {
		return nil, nil
	}
	var doc ledgerDocument
	err := l.file.Read(&doc)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if doc.Entries == nil {
		doc.Entries = map[string]LedgerEntry{}
	}
	return &doc, nil
}

func (l *JSONFileLedger) Save(doc *ledgerDocument) error {
	if l == nil || l.file == nil || doc == nil {
		return nil
	}
	return l.file.Write(doc)
}

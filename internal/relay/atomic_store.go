package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AtomicFile manages one JSON state file through a primary/backup/temp
// triad. A reader always observes either the previous or the new committed
// value; the backup holds whatever the primary contained before the most
// recent successful write.
type AtomicFile struct {
	path       string
	backupPath string
	tempPath   string
	retrier    *RetryCoordinator
	mu         sync.Mutex
}

func NewAtomicFile(path string, logger *slog.Logger) (*AtomicFile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	retrier := NewRetryCoordinator(RetryConfig{
		MaxRetries:   3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
	}, logger)
	return &AtomicFile{
		path:       path,
		backupPath: path + ".bak",
		tempPath:   path + ".tmp",
		retrier:    retrier,
	}, nil
}

func (f *AtomicFile) Path() string {
	if f == nil {
		return ""
	}
	return f.path
}

// Write serializes value and commits it: temp file in the same directory,
// current primary copied to backup, then a single atomic rename over the
// primary. Transient OS errors are absorbed by a small bounded retry.
func (f *AtomicFile) Write(value any) error {
	if f == nil {
		return ErrInvalidState
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize state: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retrier.Run(context.Background(), "atomic_file.write", func(ctx context.Context) error {
		return f.commitLocked(data)
	})
}

func (f *AtomicFile) commitLocked(data []byte) error {
	dir := filepath.Dir(f.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(f.tempPath, data, 0o644); err != nil {
		return err
	}
	if previous, err := os.ReadFile(f.path); err == nil {
		if err := os.WriteFile(f.backupPath, previous, 0o644); err != nil {
			return err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.Rename(f.tempPath, f.path)
}

// Read parses the primary file into value. Transient I/O errors go through
// the same bounded retry as writes; only after the primary is exhausted or
// fails to parse does Read fall back to the backup. When both are
// unreadable Read reports ErrCorruptState, and when neither exists it
// reports ErrNotFound.
func (f *AtomicFile) Read(value any) error {
	if f == nil {
		return ErrInvalidState
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	primaryErr := f.readLocked(f.path, value)
	if primaryErr == nil {
		return nil
	}
	backupErr := f.readLocked(f.backupPath, value)
	if backupErr == nil {
		return nil
	}
	if errors.Is(primaryErr, os.ErrNotExist) && errors.Is(backupErr, os.ErrNotExist) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: primary: %v, backup: %v", ErrCorruptState, primaryErr, backupErr)
}

// readLocked reads one file under the write retry policy. A missing file
// and a parse failure are terminal on the first attempt; only transient
// I/O errors are tried again.
func (f *AtomicFile) readLocked(path string, value any) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return err
	}
	return f.retrier.Run(context.Background(), "atomic_file.read", func(ctx context.Context) error {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Permanent(err)
			}
			return err
		}
		if err := json.Unmarshal(data, value); err != nil {
			return Permanent(fmt.Errorf("parse %s: %w", filepath.Base(path), err))
		}
		return nil
	})
}

// Cleanup removes only the temp file; primary and backup persist.
func (f *AtomicFile) Cleanup() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (f *AtomicFile) Exists() bool {
	if f == nil {
		return false
	}
	_, err := os.Stat(f.path)
	return err == nil
}

func readJSONFile(path string, value any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, value)
}

// atomicWriteFile writes data next to path and renames it into place, so a
// concurrent reader never observes a partial file. Producers and the relay
// share this discipline for every mailbox write.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

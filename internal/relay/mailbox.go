package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const mailboxPattern = "*.json"

// Mailbox is a directory acting as a single-hop file queue. A file is
// pending while it sits in the watch directory and transitions to processed
// (archive dir) or failed (failed dir) exactly once; it never returns to
// pending.
type Mailbox struct {
	name       string
	dir        string
	archiveDir string
	failedDir  string
}

// Handle identifies one pending file. Terminal transitions through a stale
// handle are no-ops so a daemon restarted mid-cycle can safely re-drive
// them.
type Handle struct {
	mailbox *Mailbox
	path    string
	name    string
}

func (h *Handle) Name() string {
	if h == nil {
		return ""
	}
	return h.name
}

func (h *Handle) Path() string {
	if h == nil {
		return ""
	}
	return h.path
}

func NewMailbox(name, dir, archiveDir, failedDir string) (*Mailbox, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(name) == "" {
		name = filepath.Base(dir)
	}
	if strings.TrimSpace(archiveDir) == "" {
		archiveDir = filepath.Join(filepath.Dir(dir), "archive")
	}
	if strings.TrimSpace(failedDir) == "" {
		failedDir = filepath.Join(filepath.Dir(dir), "failed")
	}
	for _, d := range []string{dir, archiveDir, failedDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, err
		}
	}
	return &Mailbox{name: name, dir: dir, archiveDir: archiveDir, failedDir: failedDir}, nil
}

func (m *Mailbox) Name() string {
	if m == nil {
		return ""
	}
	return m.name
}

func (m *Mailbox) Dir() string {
	if m == nil {
		return ""
	}
	return m.dir
}

func (m *Mailbox) FailedDir() string {
	if m == nil {
		return ""
	}
	return m.failedDir
}

// ListPending reflects the filesystem state at call time, oldest name
// first. Temp files from in-flight producer writes never match the pattern.
func (m *Mailbox) ListPending() ([]*Handle, error) {
	if m == nil {
		return nil, ErrInvalidState
	}
	matches, err := filepath.Glob(filepath.Join(m.dir, mailboxPattern))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	handles := make([]*Handle, 0, len(matches))
	for _, path := range matches {
		name := filepath.Base(path)
		if strings.HasPrefix(name, ".") {
			continue
		}
		handles = append(handles, &Handle{mailbox: m, path: path, name: name})
	}
	return handles, nil
}

// Claim reads the file behind h. On a parse failure it returns a nil
// envelope together with the raw bytes and leaves the file untouched; the
// caller decides whether to fail it. The raw bytes are also the dedup
// identity of the message.
func (m *Mailbox) Claim(h *Handle) (*Envelope, []byte, error) {
	if m == nil || h == nil {
		return nil, nil, ErrInvalidInput
	}
	data, err := os.ReadFile(h.path)
	if err != nil {
		return nil, nil, err
	}
	if err := ValidateEnvelopeBytes(data); err != nil {
		return nil, data, nil
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, data, nil
	}
	return &env, data, nil
}

// Enqueue makes env visible in this mailbox as <id>.json, written whole
// before the rename so a reader never claims a partial file.
func (m *Mailbox) Enqueue(env Envelope) error {
	if m == nil {
		return ErrInvalidState
	}
	id := strings.TrimSpace(env.ID)
	// The id becomes the filename; anything that would resolve outside the
	// mailbox directory is rejected.
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id {
		return ErrInvalidInput
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(filepath.Join(m.dir, id+".json"), data)
}

// Archive moves the file to the archive directory in a single atomic
// rename. A handle whose file is already gone is a no-op.
func (m *Mailbox) Archive(h *Handle) error {
	if m == nil || h == nil {
		return ErrInvalidInput
	}
	return m.moveTerminal(h, m.archiveDir)
}

// Fail moves the file to the failed directory and attaches the error as a
// sidecar document for manual inspection. The message itself is never
// deleted.
func (m *Mailbox) Fail(h *Handle, cause error) error {
	if m == nil || h == nil {
		return ErrInvalidInput
	}
	if cause != nil {
		sidecar := FailureRecord{
			Message:  h.name,
			Error:    cause.Error(),
			FailedAt: time.Now().UTC().Format(time.RFC3339Nano),
		}
		var rerr *RelayError
		if errors.As(cause, &rerr) {
			sidecar.CorrelationID = rerr.CorrelationID
			sidecar.Operation = rerr.Operation
			sidecar.Attempts = rerr.Attempts
			sidecar.Severity = string(rerr.Severity)
		}
		data, err := json.MarshalIndent(sidecar, "", "  ")
		if err == nil {
			sidecarName := strings.TrimSuffix(h.name, ".json") + ".error.json"
			_ = atomicWriteFile(filepath.Join(m.failedDir, sidecarName), data)
		}
	}
	return m.moveTerminal(h, m.failedDir)
}

type FailureRecord struct {
	Message       string `json:"message"`
	Error         string `json:"error"`
	Severity      string `json:"severity,omitempty"`
	Operation     string `json:"operation,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Attempts      int    `json:"attempts,omitempty"`
	FailedAt      string `json:"failedAt"`
}

func (m *Mailbox) moveTerminal(h *Handle, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	err := os.Rename(h.path, filepath.Join(destDir, h.name))
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("move %s: %w", h.name, err)
	}
	return nil
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Route pairs a watched source mailbox with the peer mailbox that receives
// replies and forwarded messages.
type Route struct {
	Source *Mailbox
	Reply  *Mailbox
}

type RelayEvent struct {
	Type       string `json:"type"`
	Mailbox    string `json:"mailbox"`
	Message    string `json:"message,omitempty"`
	EnvelopeID string `json:"envelopeId,omitempty"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

const (
	EventProcessed        = "processed"
	EventFailed           = "failed"
	EventSkippedDuplicate = "skipped_duplicate"
	EventMailboxHalted    = "mailbox_halted"
)

type DaemonOptions struct {
	Routes       []Route
	Pipeline     *Pipeline
	Dedup        *DedupTracker
	PollInterval time.Duration
	Logger       *slog.Logger

	// WatchFilesystem wakes the poll loop early on directory activity.
	// Polling remains the correctness mechanism; the watch is only an
	// optimization and is ignored when the watcher cannot be created.
	WatchFilesystem bool
}

// Daemon is the relay control loop: each tick it scans every configured
// route, drives pending files through the pipeline, and tracks processed
// hashes. A failure on one file never stops the rest of the mailbox; only
// ledger corruption halts a route.
type Daemon struct {
	routes       []Route
	pipeline     *Pipeline
	dedup        *DedupTracker
	pollInterval time.Duration
	logger       *slog.Logger
	watchFS      bool

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	halted    map[string]string
	stop      chan struct{}
	wake      chan struct{}
	watcher   *fsnotify.Watcher
	wg        sync.WaitGroup

	subMu       sync.Mutex
	subscribers map[int]chan RelayEvent
	subSeq      int
}

func NewDaemon(opts DaemonOptions) (*Daemon, error) {
	if len(opts.Routes) == 0 {
		return nil, ErrInvalidInput
	}
	for _, route := range opts.Routes {
		if route.Source == nil {
			return nil, ErrInvalidInput
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pipeline := opts.Pipeline
	if pipeline == nil {
		pipeline = NewPipeline(PipelineOptions{Logger: logger})
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Daemon{
		routes:       opts.Routes,
		pipeline:     pipeline,
		dedup:        opts.Dedup,
		pollInterval: pollInterval,
		logger:       logger,
		watchFS:      opts.WatchFilesystem,
		halted:       map[string]string{},
		subscribers:  map[int]chan RelayEvent{},
	}, nil
}

func (d *Daemon) Pipeline() *Pipeline {
	if d == nil {
		return nil
	}
	return d.pipeline
}

// Start launches the poll loop. Starting a running daemon is an error.
func (d *Daemon) Start() error {
	if d == nil {
		return ErrInvalidState
	}
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrInvalidState
	}
	d.running = true
	d.startedAt = time.Now().UTC()
	d.stop = make(chan struct{})
	d.wake = make(chan struct{}, 1)
	stop := d.stop
	if d.watchFS {
		d.watcher = d.startWatcherLocked(stop)
	}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(stop)
	}()
	return nil
}

// Stop signals the loop and waits for it to return. An in-flight Responder
// call is never preempted: it runs to completion (or its own timeout) and
// the file reaches its terminal transition on its own merits; a file whose
// retry cycle was cut short by the stop stays pending.
func (d *Daemon) Stop() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stop)
	if d.watcher != nil {
		_ = d.watcher.Close()
		d.watcher = nil
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Daemon) Running() bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Daemon) run(stop chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}
		d.RunOnce(ctx)
		select {
		case <-stop:
			return
		case <-time.After(d.pollInterval):
		case <-d.wake:
		}
	}
}

// RunOnce executes a single scan over every route. It is the unit the poll
// loop repeats and is also usable standalone for one-shot drains.
func (d *Daemon) RunOnce(ctx context.Context) {
	for _, route := range d.routes {
		if reason, halted := d.haltedReason(route); halted {
			d.logger.Debug("skipping halted mailbox",
				"mailbox", route.Source.Name(), "reason", reason)
			continue
		}
		handles, err := route.Source.ListPending()
		if err != nil {
			d.logger.Warn("listing mailbox failed",
				"mailbox", route.Source.Name(), "error", err.Error())
			continue
		}
		for _, h := range handles {
			if ctx.Err() != nil {
				return
			}
			d.processHandle(ctx, route, h)
		}
	}
}

func (d *Daemon) processHandle(ctx context.Context, route Route, h *Handle) {
	env, raw, err := route.Source.Claim(h)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		d.logger.Warn("claim failed",
			"mailbox", route.Source.Name(), "message", h.Name(), "error", err.Error())
		return
	}

	hash := HashBytes(raw)
	if d.dedup.IsProcessed(hash) {
		// Leftover of an interrupted cycle: the side effects already
		// happened, so complete the terminal transition silently.
		if err := route.Source.Archive(h); err != nil {
			d.logger.Warn("archiving duplicate failed",
				"mailbox", route.Source.Name(), "message", h.Name(), "error", err.Error())
			return
		}
		d.publish(RelayEvent{
			Type:    EventSkippedDuplicate,
			Mailbox: route.Source.Name(),
			Message: h.Name(),
		})
		return
	}

	outcome, err := d.pipeline.Process(ctx, route, h, env)
	if err != nil {
		d.logger.Error("mailbox transition failed",
			"mailbox", route.Source.Name(), "message", h.Name(), "error", err.Error())
		d.pipeline.Health().Record(false, err.Error())
		return
	}
	if outcome == OutcomeDeferred {
		// Still pending; the next start picks it up.
		return
	}

	event := RelayEvent{
		Type:    EventProcessed,
		Mailbox: route.Source.Name(),
		Message: h.Name(),
	}
	if outcome == OutcomeFailed {
		event.Type = EventFailed
	}
	if env != nil {
		event.EnvelopeID = env.ID
	}
	d.publish(event)

	trackMeta := map[string]any{
		"mailbox": route.Source.Name(),
		"message": h.Name(),
		"outcome": string(outcome),
	}
	if env != nil {
		trackMeta["envelope_id"] = env.ID
	}
	if err := d.dedup.Track(hash, trackMeta); err != nil {
		if errors.Is(err, ErrCorruptState) {
			d.haltRoute(route, err)
			return
		}
		// At-least-once: an untracked hash may be processed again, which
		// is preferable to dropping it.
		d.logger.Warn("dedup track failed",
			"mailbox", route.Source.Name(), "message", h.Name(), "error", err.Error())
	}
}

func (d *Daemon) haltRoute(route Route, cause error) {
	d.mu.Lock()
	d.halted[route.Source.Dir()] = cause.Error()
	d.mu.Unlock()
	d.logger.Error("halting mailbox, ledger corrupt beyond recovery",
		"severity", string(SeverityCritical),
		"mailbox", route.Source.Name(),
		"error", cause.Error())
	d.publish(RelayEvent{
		Type:    EventMailboxHalted,
		Mailbox: route.Source.Name(),
		Error:   cause.Error(),
	})
}

func (d *Daemon) haltedReason(route Route) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reason, ok := d.halted[route.Source.Dir()]
	return reason, ok
}

func (d *Daemon) startWatcherLocked(stop chan struct{}) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Warn("filesystem watcher unavailable, polling only", "error", err.Error())
		return nil
	}
	for _, route := range d.routes {
		if err := watcher.Add(route.Source.Dir()); err != nil {
			d.logger.Warn("cannot watch mailbox, polling only",
				"mailbox", route.Source.Name(), "error", err.Error())
		}
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case d.wake <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return watcher
}

// Subscribe returns a feed of relay events. Slow subscribers drop events
// rather than blocking the loop. The returned func cancels the
// subscription.
func (d *Daemon) Subscribe() (<-chan RelayEvent, func()) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	d.subSeq++
	id := d.subSeq
	ch := make(chan RelayEvent, 64)
	d.subscribers[id] = ch
	return ch, func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		if existing, ok := d.subscribers[id]; ok {
			delete(d.subscribers, id)
			close(existing)
		}
	}
}

func (d *Daemon) publish(event RelayEvent) {
	event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for _, ch := range d.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

type DaemonHealth struct {
	Status          string         `json:"status"`
	UptimeSeconds   int64          `json:"uptimeSeconds"`
	HaltedMailboxes []string       `json:"haltedMailboxes,omitempty"`
	Metrics         HealthSnapshot `json:"metrics"`
}

func (d *Daemon) Health() DaemonHealth {
	if d == nil {
		return DaemonHealth{Status: "stopped"}
	}
	d.mu.Lock()
	status := "stopped"
	var uptime int64
	if d.running {
		status = "healthy"
		uptime = int64(time.Since(d.startedAt).Seconds())
	}
	halted := make([]string, 0, len(d.halted))
	for dir := range d.halted {
		halted = append(halted, dir)
	}
	d.mu.Unlock()
	sort.Strings(halted)
	return DaemonHealth{
		Status:          status,
		UptimeSeconds:   uptime,
		HaltedMailboxes: halted,
		Metrics:         d.pipeline.Health().Snapshot(),
	}
}

type FailedMessage struct {
	Mailbox    string         `json:"mailbox"`
	Name       string         `json:"name"`
	Path       string         `json:"path"`
	Size       int64          `json:"size"`
	ModifiedAt string         `json:"modifiedAt"`
	Failure    *FailureRecord `json:"failure,omitempty"`
}

// FailedMessages inventories every route's failed directory, pairing each
// message with its error sidecar when one exists.
func (d *Daemon) FailedMessages() ([]FailedMessage, error) {
	if d == nil {
		return nil, ErrInvalidState
	}
	out := []FailedMessage{}
	for _, route := range d.routes {
		failedDir := route.Source.FailedDir()
		matches, err := filepath.Glob(filepath.Join(failedDir, "*.json"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		for _, path := range matches {
			name := filepath.Base(path)
			if strings.HasSuffix(name, ".error.json") {
				continue
			}
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			msg := FailedMessage{
				Mailbox:    route.Source.Name(),
				Name:       name,
				Path:       path,
				Size:       info.Size(),
				ModifiedAt: info.ModTime().UTC().Format(time.RFC3339Nano),
			}
			sidecarPath := filepath.Join(failedDir, strings.TrimSuffix(name, ".json")+".error.json")
			if data, err := os.ReadFile(sidecarPath); err == nil {
				var record FailureRecord
				if err := json.Unmarshal(data, &record); err == nil {
					msg.Failure = &record
				}
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

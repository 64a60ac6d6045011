package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type daemonFixture struct {
	route      Route
	ledgerPath string
	responses  int32
}

func newDaemonFixture(t *testing.T) *daemonFixture {
	t.Helper()
	return &daemonFixture{
		route:      newTestRoute(t),
		ledgerPath: filepath.Join(t.TempDir(), "ledger.json"),
	}
}

func (f *daemonFixture) newDaemon(t *testing.T, opts DaemonOptions) *Daemon {
	t.Helper()
	ledger, err := NewJSONFileLedger(f.ledgerPath, nil)
	require.NoError(t, err)
	if opts.Pipeline == nil {
		opts.Pipeline = NewPipeline(PipelineOptions{
			Responder: ResponderFunc(func(ctx context.Context, prompt string, metadata map[string]any) (string, error) {
				atomic.AddInt32(&f.responses, 1)
				return "hello", nil
			}),
			Retrier: NewRetryCoordinator(fastRetryConfig(3), nil),
		})
	}
	if len(opts.Routes) == 0 {
		opts.Routes = []Route{f.route}
	}
	opts.Dedup = NewDedupTracker(ledger, nil)
	daemon, err := NewDaemon(opts)
	require.NoError(t, err)
	return daemon
}

func TestDaemonRunOnceProcessesPendingRequest(t *testing.T) {
	f := newDaemonFixture(t)
	require.NoError(t, f.route.Source.Enqueue(NewEnvelope(MessageRequest, map[string]any{"prompt": "hi"}, nil)))

	daemon := f.newDaemon(t, DaemonOptions{})
	daemon.RunOnce(context.Background())

	replies, err := f.route.Reply.ListPending()
	require.NoError(t, err)
	assert.Len(t, replies, 1)
	pending, err := f.route.Source.ListPending()
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.responses))
}

func TestDaemonSkipsAlreadyTrackedMessages(t *testing.T) {
	f := newDaemonFixture(t)
	payload := []byte(`{"id":"t1","type":"request","content":{"prompt":"hi"},"timestamp":"2026-01-01T00:00:00Z"}`)
	require.NoError(t, os.WriteFile(filepath.Join(f.route.Source.Dir(), "t1.json"), payload, 0o644))

	daemon := f.newDaemon(t, DaemonOptions{})
	daemon.RunOnce(context.Background())
	require.Equal(t, int32(1), atomic.LoadInt32(&f.responses))

	// Redeliver the identical bytes, as a producer retry would.
	require.NoError(t, os.WriteFile(filepath.Join(f.route.Source.Dir(), "t1.json"), payload, 0o644))
	daemon.RunOnce(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&f.responses), "duplicate must not trigger side effects")
	pending, err := f.route.Source.ListPending()
	require.NoError(t, err)
	assert.Empty(t, pending, "duplicate leftover must still reach a terminal state")
	replies, err := f.route.Reply.ListPending()
	require.NoError(t, err)
	assert.Len(t, replies, 1, "no second response may be produced")
}

func TestDaemonDedupSurvivesRestart(t *testing.T) {
	f := newDaemonFixture(t)
	payload := []byte(`{"id":"t2","type":"request","content":{"prompt":"hi"},"timestamp":"2026-01-01T00:00:00Z"}`)
	require.NoError(t, os.WriteFile(filepath.Join(f.route.Source.Dir(), "t2.json"), payload, 0o644))

	first := f.newDaemon(t, DaemonOptions{})
	first.RunOnce(context.Background())
	require.Equal(t, int32(1), atomic.LoadInt32(&f.responses))

	// Fresh daemon instance over the same ledger, as after a crash.
	require.NoError(t, os.WriteFile(filepath.Join(f.route.Source.Dir(), "t2.json"), payload, 0o644))
	second := f.newDaemon(t, DaemonOptions{})
	second.RunOnce(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&f.responses), "restart must not replay side effects")
}

func TestDaemonPoisonedMessageDoesNotHaltMailbox(t *testing.T) {
	f := newDaemonFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.route.Source.Dir(), "a-bad.json"), []byte(`{"foo":1}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.route.Source.Dir(), "b-good.json"),
		[]byte(`{"id":"ok","type":"request","content":{"prompt":"hi"},"timestamp":"2026-01-01T00:00:00Z"}`), 0o644))

	daemon := f.newDaemon(t, DaemonOptions{})
	daemon.RunOnce(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&f.responses), "good message must still be processed")
	_, err := os.Stat(filepath.Join(filepath.Dir(f.route.Source.Dir()), "failed", "a-bad.json"))
	assert.NoError(t, err, "poisoned message must land in failed")
	snapshot := daemon.Pipeline().Health().Snapshot()
	assert.Equal(t, uint64(1), snapshot.TotalProcessed)
	assert.Equal(t, uint64(1), snapshot.TotalFailed)
}

type corruptLedger struct {
	loadDoc *ledgerDocument
}

func (l *corruptLedger) Load() (*ledgerDocument, error) {
	return l.loadDoc, nil
}

func (l *corruptLedger) Save(doc *ledgerDocument) error {
	return fmt.Errorf("ledger write rejected: %w", ErrCorruptState)
}

func TestDaemonHaltsRouteOnLedgerCorruption(t *testing.T) {
	route := newTestRoute(t)
	require.NoError(t, route.Source.Enqueue(NewEnvelope(MessageStatus, map[string]any{"state": "idle"}, nil)))

	pipeline := NewPipeline(PipelineOptions{Retrier: NewRetryCoordinator(fastRetryConfig(1), nil)})
	daemon, err := NewDaemon(DaemonOptions{
		Routes:   []Route{route},
		Pipeline: pipeline,
		Dedup:    NewDedupTracker(&corruptLedger{}, nil),
	})
	require.NoError(t, err)

	events, cancel := daemon.Subscribe()
	defer cancel()
	daemon.RunOnce(context.Background())

	health := daemon.Health()
	require.Len(t, health.HaltedMailboxes, 1, "corrupt ledger must halt the mailbox")

	// Later messages in a halted mailbox stay pending.
	require.NoError(t, route.Source.Enqueue(NewEnvelope(MessageStatus, map[string]any{"state": "busy"}, nil)))
	daemon.RunOnce(context.Background())
	pending, err := route.Source.ListPending()
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	var sawHalt bool
	for done := false; !done; {
		select {
		case event := <-events:
			if event.Type == EventMailboxHalted {
				sawHalt = true
				done = true
			}
		default:
			done = true
		}
	}
	assert.True(t, sawHalt, "halt must be published to subscribers")
}

func TestDaemonStartStopLifecycle(t *testing.T) {
	f := newDaemonFixture(t)
	daemon := f.newDaemon(t, DaemonOptions{PollInterval: 10 * time.Millisecond})

	require.NoError(t, daemon.Start())
	require.ErrorIs(t, daemon.Start(), ErrInvalidState, "double start must be rejected")
	assert.Equal(t, "healthy", daemon.Health().Status)

	require.NoError(t, f.route.Source.Enqueue(NewEnvelope(MessageRequest, map[string]any{"prompt": "hi"}, nil)))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&f.responses) == 1
	}, 2*time.Second, 10*time.Millisecond, "daemon must pick up pending work")

	daemon.Stop()
	daemon.Stop() // second stop is a no-op
	assert.Equal(t, "stopped", daemon.Health().Status)
	assert.False(t, daemon.Running())
}

func TestDaemonStopWaitsForInFlightResponderCall(t *testing.T) {
	f := newDaemonFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	pipeline := NewPipeline(PipelineOptions{
		Responder: ResponderFunc(func(ctx context.Context, prompt string, metadata map[string]any) (string, error) {
			close(started)
			<-release
			return "hello", nil
		}),
		Retrier: NewRetryCoordinator(fastRetryConfig(3), nil),
	})
	daemon := f.newDaemon(t, DaemonOptions{Pipeline: pipeline, PollInterval: 10 * time.Millisecond})
	require.NoError(t, f.route.Source.Enqueue(NewEnvelope(MessageRequest, map[string]any{"prompt": "hi"}, nil)))
	require.NoError(t, daemon.Start())
	<-started

	stopped := make(chan struct{})
	go func() {
		daemon.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("stop must wait for the in-flight call to finish")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return after the call finished")
	}

	replies, err := f.route.Reply.ListPending()
	require.NoError(t, err)
	assert.Len(t, replies, 1, "the call that outlived the stop must still produce its reply")
	pending, err := f.route.Source.ListPending()
	require.NoError(t, err)
	assert.Empty(t, pending, "the message must reach archive, not stay pending")
	failed, err := daemon.FailedMessages()
	require.NoError(t, err)
	assert.Empty(t, failed, "shutdown must not fail a healthy message")
}

func TestDaemonStopDuringBackoffLeavesMessagePending(t *testing.T) {
	f := newDaemonFixture(t)
	var attempts int32
	pipeline := NewPipeline(PipelineOptions{
		Responder: ResponderFunc(func(ctx context.Context, prompt string, metadata map[string]any) (string, error) {
			atomic.AddInt32(&attempts, 1)
			return "", errors.New("backend down")
		}),
		Retrier: NewRetryCoordinator(RetryConfig{
			MaxRetries:    3,
			InitialDelay:  5 * time.Second,
			MaxDelay:      10 * time.Second,
			BackoffFactor: 2.0,
		}, nil),
	})
	daemon := f.newDaemon(t, DaemonOptions{Pipeline: pipeline, PollInterval: 10 * time.Millisecond})
	require.NoError(t, f.route.Source.Enqueue(NewEnvelope(MessageRequest, map[string]any{"prompt": "hi"}, nil)))
	require.NoError(t, daemon.Start())
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&attempts) == 1
	}, 2*time.Second, 5*time.Millisecond, "first attempt must have run")

	daemon.Stop() // aborts the backoff sleep, not the verdict

	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
	pending, err := f.route.Source.ListPending()
	require.NoError(t, err)
	assert.Len(t, pending, 1, "an interrupted retry cycle must leave the message pending")
	failed, err := daemon.FailedMessages()
	require.NoError(t, err)
	assert.Empty(t, failed, "shutdown must not move the message to failed")
}

func TestDaemonSubscribeReceivesProcessedEvents(t *testing.T) {
	f := newDaemonFixture(t)
	daemon := f.newDaemon(t, DaemonOptions{})
	events, cancel := daemon.Subscribe()
	defer cancel()

	require.NoError(t, f.route.Source.Enqueue(NewEnvelope(MessageRequest, map[string]any{"prompt": "hi"}, nil)))
	daemon.RunOnce(context.Background())

	select {
	case event := <-events:
		assert.Equal(t, EventProcessed, event.Type)
		assert.Equal(t, f.route.Source.Name(), event.Mailbox)
		assert.NotEmpty(t, event.EnvelopeID)
		assert.NotEmpty(t, event.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("expected a processed event")
	}
}

func TestDaemonFailedMessagesInventory(t *testing.T) {
	f := newDaemonFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.route.Source.Dir(), "bad.json"), []byte(`{"foo":1}`), 0o644))

	daemon := f.newDaemon(t, DaemonOptions{})
	daemon.RunOnce(context.Background())

	failed, err := daemon.FailedMessages()
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "bad.json", failed[0].Name)
	require.NotNil(t, failed[0].Failure)
	assert.NotEmpty(t, failed[0].Failure.Error)
}

func TestDaemonRequiresRoutes(t *testing.T) {
	_, err := NewDaemon(DaemonOptions{})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dadudekc/SWARM-sub002/internal/relay"
	"github.com/Dadudekc/SWARM-sub002/internal/responder"
)

func testConfig(t *testing.T) relay.Config {
	t.Helper()
	cfg := relay.DefaultConfig()
	cfg.Root = filepath.Join(t.TempDir(), "mailboxes")
	cfg.Agents = []string{"worker-1"}
	return cfg
}

func TestBuildResponderWithoutAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	r := buildResponder(testConfig(t))
	assert.IsType(t, responder.Echo{}, r)
}

func TestBuildResponderWithAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	r := buildResponder(testConfig(t))
	assert.IsType(t, &responder.Anthropic{}, r)
}

func TestBuildNotifierDisabledWithoutCredentials(t *testing.T) {
	notifier, closeNotifier := buildNotifier(testConfig(t))
	defer closeNotifier()
	assert.Nil(t, notifier)
}

func TestBuildDaemonWiresConfiguredRoutes(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	daemon, cleanup, err := buildDaemon(cfg, logger)
	require.NoError(t, err)
	defer cleanup()

	// The mailbox tree must exist and a one-shot drain over an empty tree
	// must be a no-op.
	outbox, inbox, _, _ := cfg.AgentDirs("worker-1")
	assert.DirExists(t, outbox)
	assert.DirExists(t, inbox)
	daemon.RunOnce(context.Background())
	assert.Equal(t, "stopped", daemon.Health().Status)
}

func TestBuildDaemonRejectsEmptyAgentList(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agents = nil
	_, _, err := buildDaemon(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}

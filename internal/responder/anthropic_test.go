package responder

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dadudekc/SWARM-sub002/internal/relay"
)

const messagesResponse = `{
	"id": "msg_1",
	"type": "message",
	"role": "assistant",
	"model": "claude-sonnet-4-20250514",
	"content": [{"type": "text", "text": "hello from the backend"}],
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 5, "output_tokens": 7}
}`

func newTestAnthropic(t *testing.T, handler http.HandlerFunc) *Anthropic {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewAnthropic(relay.ResponderConfig{
		Model:     "claude-sonnet-4-20250514",
		MaxTokens: 64,
		Timeout:   5 * time.Second,
	}, option.WithBaseURL(server.URL), option.WithAPIKey("test-key"), option.WithMaxRetries(0))
}

func TestAnthropicSendReturnsText(t *testing.T) {
	var gotPath string
	responder := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(messagesResponse))
	})

	reply, err := responder.Send(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello from the backend", reply)
	assert.Equal(t, "/v1/messages", gotPath)
}

func TestAnthropicSendRejectsEmptyPrompt(t *testing.T) {
	responder := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request should be issued for an empty prompt")
	})

	_, err := responder.Send(context.Background(), "   ", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, relay.ErrInvalidInput)
	assert.False(t, relay.IsRetryable(err))
}

func TestAnthropicSendAPIFailureIsRetryable(t *testing.T) {
	responder := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"boom"}}`))
	})

	_, err := responder.Send(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.True(t, relay.IsRetryable(err))
}

func TestAnthropicSendEmptyContentIsRetryable(t *testing.T) {
	responder := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_2","type":"message","role":"assistant","content":[],"usage":{"input_tokens":1,"output_tokens":0}}`))
	})

	_, err := responder.Send(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.True(t, relay.IsRetryable(err))
}

func TestAnthropicNilReceiver(t *testing.T) {
	var responder *Anthropic
	_, err := responder.Send(context.Background(), "hi", nil)
	assert.True(t, errors.Is(err, relay.ErrInvalidState))
}

func TestEchoSend(t *testing.T) {
	reply, err := Echo{}.Send(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "echo: ping", reply)
}

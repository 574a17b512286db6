package mcp

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/internal/runstate"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

type sentNotification struct {
	sessionID string
	method    string
	params    map[string]any
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (f *fakeSender) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentNotification{sessionID, method, params})
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func update(seq int64, status schema.RunStatus, errMsg string) runstate.Update {
	return runstate.Update{Sequence: seq, Run: &store.Run{ID: "run-1", WorkflowID: "wf-1", Status: status, Error: errMsg}}
}

func TestRunNotifier_NotifiesOnTerminal(t *testing.T) {
	sender := &fakeSender{}
	sessions := NewSessionRegistry()
	states := &mockStates{updates: make(chan runstate.Update, 3)}
	n := NewRunNotifier(sender, sessions, states, testLogger())
	defer n.Close()

	sessions.Register("run-1", "session-a")
	n.Watch("run-1")

	states.updates <- update(1, schema.RunStatusPending, "")
	states.updates <- update(2, schema.RunStatusRunning, "")
	states.updates <- update(3, schema.RunStatusFailed, "step 0 failed: boom")
	close(states.updates)

	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	got := sender.sent[0]
	assert.Equal(t, "session-a", got.sessionID)
	assert.Equal(t, "notifications/message", got.method)
	data := got.params["data"].(map[string]any)
	assert.Equal(t, schema.RunStatusFailed, data["status"])
	assert.Equal(t, "step 0 failed: boom", data["error"])

	require.Eventually(t, func() bool {
		_, ok := sessions.SessionFor("run-1")
		return !ok
	}, 2*time.Second, 5*time.Millisecond, "run mapping is dropped once notified")
}

func TestRunNotifier_DisconnectedSession(t *testing.T) {
	sender := &fakeSender{}
	sessions := NewSessionRegistry()
	n := NewRunNotifier(sender, sessions, &mockStates{}, testLogger())
	defer n.Close()

	require.NoError(t, n.Notify("run-1", map[string]any{"status": "completed"}))
	assert.Equal(t, 0, sender.count())
}

func TestRunNotifier_ExpiredSession(t *testing.T) {
	sender := &fakeSender{err: server.ErrSessionNotFound}
	sessions := NewSessionRegistry()
	sessions.Register("run-1", "gone")
	sessions.Register("run-2", "gone")
	n := NewRunNotifier(sender, sessions, &mockStates{}, testLogger())
	defer n.Close()

	require.NoError(t, n.Notify("run-1", map[string]any{"status": "completed"}))
	_, ok := sessions.SessionFor("run-2")
	assert.False(t, ok)
}

func TestRunNotifier_UnknownRun(t *testing.T) {
	sessions := NewSessionRegistry()
	sessions.Register("ghost", "session-a")
	n := NewRunNotifier(&fakeSender{}, sessions, &mockStates{}, testLogger())
	defer n.Close()

	n.Watch("ghost")
	_, ok := sessions.SessionFor("ghost")
	assert.False(t, ok)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

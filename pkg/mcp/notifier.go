package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// notificationSender is the part of server.MCPServer used to push messages.
type notificationSender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// RunNotifier follows runs started over MCP and pushes a log notification
// to the starting session once the run reaches a terminal status.
type RunNotifier struct {
	sender   notificationSender
	sessions *SessionRegistry
	states   RunStates
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunNotifier creates a notifier that pushes via sender.
func NewRunNotifier(sender notificationSender, sessions *SessionRegistry, states RunStates, logger *slog.Logger) *RunNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &RunNotifier{
		sender:   sender,
		sessions: sessions,
		states:   states,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Watch follows runID in the background until it finishes.
func (n *RunNotifier) Watch(runID string) {
	if n.states == nil {
		return
	}
	updates, err := n.states.Subscribe(n.ctx, runID, 0)
	if err != nil {
		n.logger.Warn("cannot follow run for notification",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		n.sessions.Forget(runID)
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer n.sessions.Forget(runID)
		for u := range updates {
			if u.Run == nil || !u.Run.Status.IsTerminal() {
				continue
			}
			payload := map[string]any{
				"run_id":      u.Run.ID,
				"workflow_id": u.Run.WorkflowID,
				"status":      u.Run.Status,
			}
			if u.Run.Error != "" {
				payload["error"] = u.Run.Error
			}
			if err := n.Notify(runID, payload); err != nil {
				n.logger.Warn("run notification failed",
					slog.String("run_id", runID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}()
}

// Notify sends a notification to the session waiting on runID.
// Best-effort: returns nil if the session is gone.
func (n *RunNotifier) Notify(runID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(runID)
	if !ok {
		return nil // session disconnected, best-effort
	}
	err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"level":  mcp.LoggingLevelInfo,
		"logger": "agentflow",
		"data":   payload,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Close stops every watcher and waits for them to exit.
func (n *RunNotifier) Close() {
	n.cancel()
	n.wg.Wait()
}

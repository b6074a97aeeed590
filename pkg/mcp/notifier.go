package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// Notifier pushes notifications to connected MCP clients.
type Notifier interface {
	Notify(ctx context.Context, clientID string, payload map[string]any) error
	Broadcast(ctx context.Context, payload map[string]any) error
}

// MCPNotifier implements Notifier using MCP server push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

var _ Notifier = (*MCPNotifier)(nil)

func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the client's session.
// Best-effort: returns nil if the client is not connected.
func (n *MCPNotifier) Notify(_ context.Context, clientID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(clientID)
	if !ok {
		return nil
	}
	return n.send(sessionID, payload)
}

// Broadcast sends a notification to every known session and returns the
// first delivery error.
func (n *MCPNotifier) Broadcast(_ context.Context, payload map[string]any) error {
	var first error
	for _, sessionID := range n.sessions.Sessions() {
		if err := n.send(sessionID, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (n *MCPNotifier) send(sessionID string, payload map[string]any) error {
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

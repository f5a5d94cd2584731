// Package backend manages the agent CLI subprocess behind a conversation.
// A Session speaks the stream-json protocol over stdin/stdout: user messages
// and control requests go in, a stream of typed protocol messages comes out.
package backend

import (
	"context"
	"errors"
	"log/slog"

	"github.com/harborai/skiff/config"
	"github.com/harborai/skiff/protocol"
)

var (
	// ErrNotStarted is returned when an operation requires a running session.
	ErrNotStarted = errors.New("backend: session not started")
	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("backend: session closed")
)

// Decision is the permission gate's verdict on one tool call.
type Decision struct {
	Behavior     protocol.PermissionBehavior
	UpdatedInput map[string]interface{}
	Message      string
}

// PermissionGate decides tool-use permission requests. A deny localizes to
// that tool call's error output; it never aborts the turn.
type PermissionGate interface {
	CanUseTool(ctx context.Context, toolName string, input map[string]interface{}) Decision
}

// PermissionGateFunc adapts a function to the PermissionGate interface.
type PermissionGateFunc func(ctx context.Context, toolName string, input map[string]interface{}) Decision

func (f PermissionGateFunc) CanUseTool(ctx context.Context, toolName string, input map[string]interface{}) Decision {
	return f(ctx, toolName, input)
}

// SessionConfig holds everything needed to spawn one backend session.
type SessionConfig struct {
	// CLIPath is the agent CLI binary (uses "claude" in PATH if empty).
	CLIPath string

	// WorkDir is the working directory for file operations.
	WorkDir string

	// ModelID is the provider-native model id to request.
	ModelID string

	// BaseURL and APIKey override the provider endpoint via environment.
	BaseURL string
	APIKey  string

	// SystemPrompt is appended to the default system prompt.
	SystemPrompt string

	// Resume is the backend session id to continue, empty for a new session.
	Resume string

	// PermissionMode is the initial permission mode.
	PermissionMode string

	// BrowserTool enables the browser tool set.
	BrowserTool bool

	// LazySkills defers skill loading until first use.
	LazySkills bool

	// MCPServers are plugin MCP servers to attach.
	MCPServers map[string]config.MCPServer

	// Gate handles can_use_tool control requests. Nil denies everything.
	Gate PermissionGate

	// Logger receives session diagnostics.
	Logger *slog.Logger

	// EventBufferSize is the event channel buffer size (default: 100).
	EventBufferSize int

	// ExtraArgs are appended to the CLI invocation verbatim.
	ExtraArgs []string
}

// Session is a live backend conversation process.
type Session interface {
	// Send writes a user text message to the backend.
	Send(ctx context.Context, text string) error

	// Events is the stream of decoded protocol messages. It closes when the
	// session ends.
	Events() <-chan protocol.Message

	// Interrupt asks the backend to stop the in-flight turn. The backend
	// still emits a result message for the interrupted turn.
	Interrupt(ctx context.Context) error

	// SetPermissionMode changes the permission mode mid-session.
	SetPermissionMode(ctx context.Context, mode string) error

	// SetMaxThinkingTokens changes the thinking budget mid-session.
	SetMaxThinkingTokens(ctx context.Context, maxTokens int) error

	// ReconnectMCPServer restarts a named MCP server connection.
	ReconnectMCPServer(ctx context.Context, serverName string) error

	// ToggleMCPServer enables or disables a named MCP server.
	ToggleMCPServer(ctx context.Context, serverName string, enabled bool) error

	// SessionID returns the backend session id, available once the init
	// system message arrived.
	SessionID() string

	// Close terminates the subprocess and closes Events.
	Close() error
}

// Launcher creates sessions. The CLI launcher is the production
// implementation; tests substitute scripted fakes.
type Launcher interface {
	Launch(ctx context.Context, cfg SessionConfig) (Session, error)
}

package backend

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/harborai/skiff/protocol"
)

const defaultEventBufferSize = 100

// controlAckTimeout bounds how long MCP control requests wait for their ack.
const controlAckTimeout = 10 * time.Second

// CLILauncher spawns agent CLI subprocesses.
type CLILauncher struct {
	Logger *slog.Logger
}

// Launch starts the CLI and begins reading its event stream.
func (l *CLILauncher) Launch(ctx context.Context, cfg SessionConfig) (Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = l.Logger
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	bufSize := cfg.EventBufferSize
	if bufSize <= 0 {
		bufSize = defaultEventBufferSize
	}

	s := &cliSession{
		config:  cfg,
		gate:    cfg.Gate,
		logger:  logger,
		process: newProcessManager(cfg),
		events:  make(chan protocol.Message, bufSize),
		done:    make(chan struct{}),
		pending: make(map[string]chan protocol.ControlResponsePayload),
	}

	if err := s.process.Start(ctx); err != nil {
		return nil, err
	}

	go s.readLoop()
	go s.stderrLoop()
	return s, nil
}

// cliSession is a Session backed by an agent CLI subprocess.
type cliSession struct {
	config  SessionConfig
	gate    PermissionGate
	logger  *slog.Logger
	process *processManager
	events  chan protocol.Message
	done    chan struct{}

	pendingMu sync.Mutex
	pending   map[string]chan protocol.ControlResponsePayload

	mu        sync.Mutex
	sessionID string
	stopping  bool
}

func (s *cliSession) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()
	return s.process.WriteMessage(protocol.NewUserTextMessage(text))
}

func (s *cliSession) Events() <-chan protocol.Message {
	return s.events
}

// Interrupt is fire-and-forget: the backend acknowledges by emitting a
// result message for the interrupted turn.
func (s *cliSession) Interrupt(ctx context.Context) error {
	return s.process.WriteMessage(protocol.NewInterrupt(generateRequestID()))
}

func (s *cliSession) SetPermissionMode(ctx context.Context, mode string) error {
	return s.process.WriteMessage(protocol.NewSetPermissionMode(generateRequestID(), mode))
}

func (s *cliSession) SetMaxThinkingTokens(ctx context.Context, maxTokens int) error {
	return s.process.WriteMessage(protocol.NewSetMaxThinkingTokens(generateRequestID(), maxTokens))
}

// ReconnectMCPServer waits for the backend's acknowledgement since callers
// typically retry a failed tool right after.
func (s *cliSession) ReconnectMCPServer(ctx context.Context, serverName string) error {
	req := protocol.NewReconnectMCPServer(generateRequestID(), serverName)
	_, err := s.sendAndAwait(ctx, req)
	return err
}

func (s *cliSession) ToggleMCPServer(ctx context.Context, serverName string, enabled bool) error {
	req := protocol.NewToggleMCPServer(generateRequestID(), serverName, enabled)
	_, err := s.sendAndAwait(ctx, req)
	return err
}

func (s *cliSession) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *cliSession) Close() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	close(s.done)
	err := s.process.Stop()
	close(s.events)
	return err
}

// sendAndAwait writes a control request and blocks until its matching
// control_response arrives.
func (s *cliSession) sendAndAwait(ctx context.Context, req protocol.ControlRequestToSend) (protocol.ControlResponsePayload, error) {
	ch := make(chan protocol.ControlResponsePayload, 1)
	s.pendingMu.Lock()
	s.pending[req.RequestID] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, req.RequestID)
		s.pendingMu.Unlock()
	}()

	if err := s.process.WriteMessage(req); err != nil {
		return protocol.ControlResponsePayload{}, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, controlAckTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		if resp.Subtype == "error" {
			return resp, fmt.Errorf("control request error: %s", resp.Error)
		}
		return resp, nil
	case <-timeoutCtx.Done():
		return protocol.ControlResponsePayload{}, fmt.Errorf("control request timed out")
	case <-s.done:
		return protocol.ControlResponsePayload{}, ErrSessionClosed
	}
}

// readLoop decodes stdout lines until EOF or Close.
func (s *cliSession) readLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		line, err := s.process.ReadLine()
		if err != nil {
			if err != io.EOF {
				s.mu.Lock()
				stopping := s.stopping
				s.mu.Unlock()
				if !stopping {
					s.logger.Warn("backend read failed", "error", err)
				}
			}
			return
		}
		s.handleLine(line)
	}
}

// stderrLoop drains stderr into the debug log.
func (s *cliSession) stderrLoop() {
	stderr := s.process.Stderr()
	if stderr == nil {
		return
	}
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			s.logger.Debug("backend stderr", "output", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

func (s *cliSession) handleLine(line []byte) {
	msg, err := protocol.ParseMessage(line)
	if err != nil {
		s.logger.Warn("failed to parse backend line", "error", err, "line", string(line))
		return
	}
	if msg == nil {
		return
	}

	switch m := msg.(type) {
	case protocol.SystemMessage:
		if m.Subtype == "init" {
			s.mu.Lock()
			s.sessionID = m.SessionID
			s.mu.Unlock()
		}
		s.emit(m)
	case protocol.ControlRequest:
		s.handleControlRequest(m)
	case protocol.ControlResponse:
		s.handleControlResponse(m)
	default:
		s.emit(msg)
	}
}

// handleControlRequest answers can_use_tool through the permission gate.
// The gate can block on user input, so each request runs in its own
// goroutine; the backend correlates replies by request id.
func (s *cliSession) handleControlRequest(msg protocol.ControlRequest) {
	data, err := msg.ParsedRequest()
	if err != nil {
		s.logger.Warn("failed to parse control request", "error", err, "request_id", msg.RequestID)
		return
	}
	req, ok := data.(protocol.CanUseToolRequest)
	if !ok {
		return
	}

	go func() {
		resp := s.decide(req, msg.RequestID)
		if err := s.process.WriteMessage(resp); err != nil {
			s.logger.Warn("failed to send permission response", "error", err, "request_id", msg.RequestID)
		}
	}()
}

func (s *cliSession) decide(req protocol.CanUseToolRequest, requestID string) protocol.ControlResponse {
	if s.gate == nil {
		return protocol.NewPermissionDeny(requestID, "no permission gate configured", false)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	decision := s.gate.CanUseTool(ctx, req.ToolName, req.Input)
	if decision.Behavior == protocol.PermissionBehaviorAllow {
		input := decision.UpdatedInput
		if input == nil {
			input = req.Input
		}
		return protocol.NewPermissionAllow(requestID, input)
	}
	return protocol.NewPermissionDeny(requestID, decision.Message, false)
}

// handleControlResponse routes acks back to the goroutine waiting on the
// matching request id.
func (s *cliSession) handleControlResponse(msg protocol.ControlResponse) {
	s.pendingMu.Lock()
	ch, ok := s.pending[msg.Response.RequestID]
	s.pendingMu.Unlock()
	if ok {
		select {
		case ch <- msg.Response:
		default:
		}
	}
}

// emit delivers a message to the events channel, dropping when the consumer
// lags or the session is closing.
func (s *cliSession) emit(msg protocol.Message) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.events <- msg:
	case <-s.done:
	default:
		s.logger.Warn("event buffer full, dropping message", "type", msg.MsgType())
	}
}

// generateRequestID generates a unique request ID.
func generateRequestID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", time.Now().UnixNano(), hex.EncodeToString(b))
}

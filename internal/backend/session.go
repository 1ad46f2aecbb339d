// Package backend implements the Backend Session: ownership of one backend
// child process, its stdio pipes, its outstanding-request table, and the
// request/response RPC façade used by the rest of the gateway.
//
// Grounded on mcp-scooter/internal/domain/discovery/stdio.go (StdioWorker),
// generalized from a single hard-coded 30s timeout and a single in-flight
// call at a time into the concurrent, per-call-timeout, multi-waiter model
// spec §4.2 requires.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaymcp/gateway/internal/config"
	"github.com/relaymcp/gateway/internal/jsonrpc"
	"github.com/relaymcp/gateway/internal/logging"
)

// State is a Backend Session lifecycle state (spec §3).
type State int

const (
	NotStarted State = iota
	Starting
	Ready
	Terminating
	Terminated
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Starting:
		return "Starting"
	case Ready:
		return "Ready"
	case Terminating:
		return "Terminating"
	case Terminated:
		return "Terminated"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ProtocolVersion is the MCP protocol version the gateway advertises during
// the initialize handshake, both upstream and downstream.
const ProtocolVersion = "2024-11-05"

const defaultTerminateGrace = 3 * time.Second

// CallError distinguishes the reason a Call did not succeed so callers
// (the Dispatcher) can build the right tool-result text.
type CallError struct {
	Reason string // "timeout", "aborted", "transport"
	Err    error
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *CallError) Unwrap() error { return e.Err }

type pendingCall struct {
	result chan callOutcome
}

type callOutcome struct {
	result json.RawMessage
	rpcErr *jsonrpc.Error
}

// Session owns one backend child process.
type Session struct {
	name string
	cfg  *config.BackendConfig
	log  *logging.Logger

	mu    sync.Mutex
	state State
	cmd   *exec.Cmd
	codec *jsonrpc.Codec
	stdin io.WriteCloser

	failErr error

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]*pendingCall

	done chan struct{} // closed once the reader loop and reaper have both finished

	toolsMu     sync.Mutex
	toolsCached bool
	toolsResult json.RawMessage
}

// New constructs a Session for backend name, not yet started.
func New(name string, cfg *config.BackendConfig, log *logging.Logger) *Session {
	return &Session{
		name:    name,
		cfg:     cfg,
		log:     log.With(name),
		state:   NotStarted,
		pending: make(map[int64]*pendingCall),
		done:    make(chan struct{}),
	}
}

// Name returns the backend name this session belongs to.
func (s *Session) Name() string { return s.name }

// Timeout returns the configured per-call timeout for this backend, falling
// back to config.DefaultTimeout when none was set.
func (s *Session) Timeout() time.Duration {
	if s.cfg.Timeout > 0 {
		return s.cfg.Timeout
	}
	return config.DefaultTimeout
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Spawn launches the backend's child process and performs the MCP
// initialize handshake. On any failure the session transitions to Failed.
func (s *Session) Spawn(ctx context.Context) error {
	s.setState(Starting)

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Env = append(os.Environ(), envOverlay(s.cfg.Env)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return s.fail(fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.fail(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.fail(fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return s.fail(fmt.Errorf("spawn %s: %w", s.cfg.Command, err))
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.codec = jsonrpc.NewCodec(stdout, stdin)
	s.mu.Unlock()

	readerDone := make(chan struct{})
	go s.readLoop(readerDone)
	go s.drainStderr(stderr)
	go s.reap(readerDone)

	if err := s.handshake(ctx); err != nil {
		s.terminateAfterFailure()
		return s.fail(fmt.Errorf("initialize handshake: %w", err))
	}

	s.markReadyUnlessAlreadyDone()
	return nil
}

// markReadyUnlessAlreadyDone transitions Starting -> Ready. If reap() has
// already observed the child exit and moved the session to Failed or
// Terminated, that outcome must not be clobbered by a handshake that
// finished racing against it.
func (s *Session) markReadyUnlessAlreadyDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Starting {
		s.state = Ready
	}
}

func envOverlay(overlay map[string]string) []string {
	out := make([]string, 0, len(overlay))
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.state = Failed
	s.failErr = err
	s.mu.Unlock()
	s.log.Error("backend failed: %v", err)
	return err
}

func (s *Session) handshake(ctx context.Context) error {
	initParams := map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]string{
			"name":    "mcp-gateway",
			"version": "1.0.0",
		},
	}
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultTimeout
	}
	if _, err := s.Call(ctx, "initialize", initParams, timeout); err != nil {
		return err
	}

	notif, err := jsonrpc.NewNotification("notifications/initialized", nil)
	if err != nil {
		return err
	}
	return s.writeMessage(notif)
}

func (s *Session) writeMessage(msg jsonrpc.Message) error {
	s.mu.Lock()
	codec := s.codec
	s.mu.Unlock()
	if codec == nil {
		return fmt.Errorf("backend %s: not spawned", s.name)
	}
	return codec.WriteMessage(msg)
}

// Call issues method/params to the backend and waits up to timeout for a
// response. The pending entry is removed atomically with completion in every
// case: success, timeout, or session termination.
func (s *Session) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st == Terminating || st == Terminated || st == Failed {
		return nil, &CallError{Reason: "aborted", Err: fmt.Errorf("backend %s is %s", s.name, st)}
	}

	id := s.nextID.Add(1)
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, &CallError{Reason: "transport", Err: err}
	}

	pc := &pendingCall{result: make(chan callOutcome, 1)}
	s.pendingMu.Lock()
	s.pending[id] = pc
	s.pendingMu.Unlock()

	removePending := func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}

	if err := s.writeMessage(req); err != nil {
		removePending()
		return nil, &CallError{Reason: "transport", Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-pc.result:
		if outcome.rpcErr != nil {
			return nil, &CallError{Reason: "transport", Err: outcome.rpcErr}
		}
		return outcome.result, nil
	case <-timer.C:
		removePending()
		return nil, &CallError{Reason: "timeout", Err: fmt.Errorf("backend %s: %s timed out after %s", s.name, method, timeout)}
	case <-s.done:
		removePending()
		return nil, &CallError{Reason: "aborted", Err: fmt.Errorf("backend %s session terminated", s.name)}
	case <-ctx.Done():
		removePending()
		return nil, &CallError{Reason: "aborted", Err: ctx.Err()}
	}
}

// CallTool is a thin convenience wrapper for the "tools/call" method.
func (s *Session) CallTool(ctx context.Context, toolName string, arguments json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if arguments == nil {
		arguments = json.RawMessage("{}")
	}
	params := struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}{Name: toolName, Arguments: arguments}
	return s.Call(ctx, "tools/call", params, timeout)
}

// ToolsList returns the backend's tools/list result, caching it after the
// first successful call until the session terminates.
func (s *Session) ToolsList(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	s.toolsMu.Lock()
	if s.toolsCached {
		cached := s.toolsResult
		s.toolsMu.Unlock()
		return cached, nil
	}
	s.toolsMu.Unlock()

	result, err := s.Call(ctx, "tools/list", nil, timeout)
	if err != nil {
		return nil, err
	}

	s.toolsMu.Lock()
	s.toolsCached = true
	s.toolsResult = result
	s.toolsMu.Unlock()
	return result, nil
}

func (s *Session) readLoop(done chan<- struct{}) {
	defer close(done)
	for {
		s.mu.Lock()
		codec := s.codec
		s.mu.Unlock()

		msg, err := codec.ReadMessage()
		if err != nil {
			var parseErr *jsonrpc.ParseError
			var invalidErr *jsonrpc.InvalidRequestError
			if errors.As(err, &parseErr) || errors.As(err, &invalidErr) {
				s.log.Warn("discarding malformed frame from backend %s: %v", s.name, err)
				continue
			}
			if err != io.EOF {
				s.log.Warn("stdout read error: %v", err)
			}
			return
		}

		switch {
		case msg.IsResponse():
			s.completeResponse(msg)
		case msg.IsNotification():
			s.log.Debug("notification from backend: %s (not forwarded upstream)", msg.Method)
		case msg.IsRequest():
			s.rejectBackendRequest(msg)
		default:
			s.log.Warn("unrecognized frame from backend, dropping")
		}
	}
}

func (s *Session) completeResponse(msg *jsonrpc.Message) {
	id, ok := numericID(msg.ID)
	if !ok {
		s.log.Warn("response with unrecognizable id, dropping")
		return
	}

	s.pendingMu.Lock()
	pc, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()

	if !ok {
		s.log.Warn("response for unknown id %v, dropping", msg.ID)
		return
	}
	pc.result <- callOutcome{result: msg.Result, rpcErr: msg.Error}
}

// rejectBackendRequest answers a server-initiated request from the backend
// with "method not found" — the gateway does not support backends calling
// back into the client (spec §4.2).
func (s *Session) rejectBackendRequest(msg *jsonrpc.Message) {
	resp := jsonrpc.NewErrorResponse(msg.ID, jsonrpc.CodeMethodNotFound, "gateway does not support server-initiated requests")
	if err := s.writeMessage(resp); err != nil {
		s.log.Warn("failed to reject backend-initiated request: %v", err)
	}
}

func numericID(id interface{}) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

func (s *Session) drainStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.log.Debug("stderr: %s", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// reap waits for the reader loop to end (child closed stdout, usually
// because it exited), then reaps the process, clears the pending table, and
// closes done, which completes every outstanding waiter with an aborted
// error — spec §3's "Terminated session must ... release its pending table
// with an error for every outstanding waiter."
func (s *Session) reap(readerDone <-chan struct{}) {
	<-readerDone

	s.mu.Lock()
	cmd := s.cmd
	wasTerminating := s.state == Terminating
	s.mu.Unlock()

	if cmd != nil {
		cmd.Wait()
	}

	s.pendingMu.Lock()
	for id := range s.pending {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()

	s.mu.Lock()
	if wasTerminating || s.state == Terminating {
		s.state = Terminated
	} else if s.state != Failed {
		s.state = Failed
		s.failErr = fmt.Errorf("backend %s exited unexpectedly", s.name)
	}
	s.mu.Unlock()

	close(s.done)
}

func (s *Session) terminateAfterFailure() {
	s.mu.Lock()
	stdin := s.stdin
	cmd := s.cmd
	s.mu.Unlock()
	if stdin != nil {
		stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
}

// Terminate shuts the session down: closes stdin, waits up to grace for the
// child to exit, then kills it forcibly. All outstanding waiters are
// completed with an aborted error by reap(), which this unblocks.
func (s *Session) Terminate(ctx context.Context, grace time.Duration) error {
	if grace <= 0 {
		grace = defaultTerminateGrace
	}

	s.mu.Lock()
	if s.state == Terminated || s.state == NotStarted {
		st := s.state
		s.mu.Unlock()
		if st == NotStarted {
			return nil
		}
		return nil
	}
	s.state = Terminating
	stdin := s.stdin
	cmd := s.cmd
	s.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}

	if cmd == nil {
		return nil
	}

	select {
	case <-s.done:
	case <-time.After(grace):
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Err returns the diagnostic error recorded when the session transitioned to
// Failed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failErr
}

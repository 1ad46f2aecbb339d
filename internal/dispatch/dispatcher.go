// Package dispatch implements the Gateway Dispatcher: the upstream MCP
// server role, terminated on stdin/stdout, and the translation of the three
// meta-tools (use_tool, discover_backend_tools, security_status) into
// Backend Registry / Security Monitor / Backend Session operations.
//
// The serve loop's shape — read frames from a single reader, run each
// request on its own goroutine, serialize writes back to the same stream —
// is grounded on scrypster-memento's internal/api/mcp/transport.go
// StdioTransport.Serve(), adapted to read through this project's own
// internal/jsonrpc.Codec instead of a raw bufio.Scanner, since the upstream
// wire format is already handled there. The three meta-tool descriptors
// follow the declarative style of mcp-scooter's
// internal/domain/discovery/builtin.go PrimordialTools.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/relaymcp/gateway/internal/backend"
	"github.com/relaymcp/gateway/internal/jsonrpc"
	"github.com/relaymcp/gateway/internal/logging"
	"github.com/relaymcp/gateway/internal/registry"
	"github.com/relaymcp/gateway/internal/security"
)

// protocolVersion is the MCP protocol version advertised when the client's
// initialize request omits one or requests something unrecognized.
const protocolVersion = "2024-11-05"

// supportedProtocolVersions lists the client protocol versions echoed back
// in the initialize result.
var supportedProtocolVersions = map[string]bool{protocolVersion: true}

const (
	toolUseTool              = "use_tool"
	toolDiscoverBackendTools = "discover_backend_tools"
	toolSecurityStatus       = "security_status"
)

// Dispatcher owns the upstream codec and routes requests to the Registry
// and Security Monitor.
type Dispatcher struct {
	codec    *jsonrpc.Codec
	registry *registry.Registry
	monitor  *security.Monitor
	log      *logging.Logger

	writeMu sync.Mutex

	cancelMu sync.Mutex
	cancel   map[string]context.CancelFunc
}

// New builds a Dispatcher reading requests from r and writing responses to
// w, both ordinarily the process's stdin/stdout.
func New(r io.Reader, w io.Writer, reg *registry.Registry, mon *security.Monitor, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		codec:    jsonrpc.NewCodec(r, w),
		registry: reg,
		monitor:  mon,
		log:      log,
		cancel:   make(map[string]context.CancelFunc),
	}
}

// Serve reads upstream frames until EOF or ctx cancellation, dispatching
// each to its own goroutine so one slow tools/call never blocks the reader
// or other in-flight calls. It returns nil on clean EOF, ctx.Err() on
// cancellation, or a transport error if the codec itself fails
// unrecoverably.
func (d *Dispatcher) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg, err := d.codec.ReadMessage()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			var parseErr *jsonrpc.ParseError
			if errors.As(err, &parseErr) {
				d.log.Warn("discarding malformed upstream frame: %v", err)
				d.write(jsonrpc.NewErrorResponse(nil, jsonrpc.CodeParseError, fmt.Sprintf("parse error: %v", err)))
				continue
			}
			var invalidErr *jsonrpc.InvalidRequestError
			if errors.As(err, &invalidErr) {
				d.log.Warn("discarding upstream frame missing jsonrpc envelope: %v", err)
				d.write(jsonrpc.NewErrorResponse(nil, jsonrpc.CodeInvalidRequest, fmt.Sprintf("invalid request: %v", err)))
				continue
			}
			return fmt.Errorf("dispatch: read upstream: %w", err)
		}

		m := msg
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.handle(ctx, m)
		}()
	}
}

func (d *Dispatcher) handle(ctx context.Context, msg *jsonrpc.Message) {
	switch {
	case msg.IsRequest():
		d.handleRequest(ctx, msg)
	case msg.IsNotification():
		d.handleNotification(msg)
	default:
		d.log.Warn("ignoring upstream frame that is neither a request nor a notification")
	}
}

func (d *Dispatcher) handleNotification(msg *jsonrpc.Message) {
	switch msg.Method {
	case "notifications/initialized":
		// no-op acknowledgement
	case "notifications/cancelled":
		d.handleCancelled(msg.Params)
	default:
		d.log.Debug("upstream notification: %s", msg.Method)
	}
}

func (d *Dispatcher) handleCancelled(params json.RawMessage) {
	var body struct {
		RequestID interface{} `json:"requestId"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		return
	}
	key := idKey(body.RequestID)
	d.cancelMu.Lock()
	cancel, ok := d.cancel[key]
	d.cancelMu.Unlock()
	if ok {
		cancel()
	}
}

func (d *Dispatcher) handleRequest(ctx context.Context, msg *jsonrpc.Message) {
	switch msg.Method {
	case "initialize":
		d.respondResult(msg.ID, initializeResult(msg.Params))
	case "tools/list":
		d.respondResult(msg.ID, toolsListResult())
	case "ping":
		d.respondResult(msg.ID, struct{}{})
	case "tools/call":
		d.handleToolsCall(ctx, msg)
	default:
		d.respondError(msg.ID, jsonrpc.CodeMethodNotFound, fmt.Sprintf("method not found: %s", msg.Method))
	}
}

func initializeResult(params json.RawMessage) map[string]interface{} {
	var req struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(params, &req)

	version := protocolVersion
	if supportedProtocolVersions[req.ProtocolVersion] {
		version = req.ProtocolVersion
	}

	return map[string]interface{}{
		"protocolVersion": version,
		"serverInfo": map[string]string{
			"name":    "mcpgatewayd",
			"version": "0.1.0",
		},
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{},
		},
	}
}

// toolDescriptor mirrors the MCP tools/list entry shape: name, description,
// and a JSON-schema inputSchema. Grounded on the declarative per-tool
// literal style of mcp-scooter's builtin.go PrimordialTools.
type toolDescriptor struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

func toolsListResult() map[string][]toolDescriptor {
	return map[string][]toolDescriptor{
		"tools": {
			{
				Name:        toolUseTool,
				Description: "Invoke a tool on a configured backend MCP server, subject to the security policy.",
				InputSchema: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"backend_server": map[string]interface{}{"type": "string"},
						"server_tool":    map[string]interface{}{"type": "string"},
						"tool_arguments": map[string]interface{}{"type": "object"},
					},
					"required":             []string{"backend_server", "server_tool", "tool_arguments"},
					"additionalProperties": false,
				},
			},
			{
				Name:        toolDiscoverBackendTools,
				Description: "List the tools exposed by one backend, or every configured backend if none is named.",
				InputSchema: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"backend_name": map[string]interface{}{"type": "string"},
					},
				},
			},
			{
				Name:        toolSecurityStatus,
				Description: "Report the current security session: age, taint state, per-backend access counts, and recent trace entries.",
				InputSchema: map[string]interface{}{
					"type":       "object",
					"properties": map[string]interface{}{},
				},
			},
		},
	}
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, msg *jsonrpc.Message) {
	var call struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &call); err != nil {
		d.respondError(msg.ID, jsonrpc.CodeInvalidParams, "malformed tools/call params")
		return
	}

	callCtx, cancel := context.WithCancel(ctx)
	key := idKey(msg.ID)
	d.cancelMu.Lock()
	d.cancel[key] = cancel
	d.cancelMu.Unlock()
	defer func() {
		d.cancelMu.Lock()
		delete(d.cancel, key)
		d.cancelMu.Unlock()
		cancel()
	}()

	switch call.Name {
	case toolUseTool:
		d.respondResult(msg.ID, d.useTool(callCtx, call.Arguments))
	case toolDiscoverBackendTools:
		d.respondResult(msg.ID, d.discoverBackendTools(callCtx, call.Arguments))
	case toolSecurityStatus:
		d.respondResult(msg.ID, jsonResult(d.monitor.Status()))
	default:
		d.respondError(msg.ID, jsonrpc.CodeInvalidParams, fmt.Sprintf("unknown tool: %s", call.Name))
	}
}

// toolResult is the MCP tool-result envelope: a list of content blocks plus
// an isError flag, per spec §7's tool-error design.
type toolResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func textResult(text string) toolResult {
	return toolResult{Content: []contentBlock{{Type: "text", Text: text}}}
}

func errorResult(format string, args ...interface{}) toolResult {
	return toolResult{Content: []contentBlock{{Type: "text", Text: fmt.Sprintf(format, args...)}}, IsError: true}
}

func jsonResult(v interface{}) toolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult("failed to marshal result: %v", err)
	}
	return textResult(string(data))
}

// useTool implements spec §4.5's use_tool steps: validate, consult the
// Security Monitor, resolve the backend, relay the call.
func (d *Dispatcher) useTool(ctx context.Context, rawArgs json.RawMessage) toolResult {
	var args struct {
		BackendServer string          `json:"backend_server"`
		ServerTool    string          `json:"server_tool"`
		ToolArguments json.RawMessage `json:"tool_arguments"`
	}
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return errorResult("invalid use_tool arguments: %v", err)
	}
	if args.BackendServer == "" || args.ServerTool == "" {
		return errorResult("use_tool requires backend_server and server_tool")
	}
	if args.ToolArguments == nil {
		args.ToolArguments = json.RawMessage("{}")
	}

	decision := d.monitor.Check(args.BackendServer, args.ServerTool, args.ToolArguments, d.registry.Level)
	if !decision.Allowed {
		return errorResult("denied: %s", decision.Reason)
	}

	if !d.registry.Existing(args.BackendServer) {
		return errorResult("unknown backend: %s", args.BackendServer)
	}

	session, err := d.registry.Get(ctx, args.BackendServer)
	if err != nil {
		return errorResult("unknown backend: %s: %v", args.BackendServer, err)
	}

	result, err := session.CallTool(ctx, args.ServerTool, args.ToolArguments, session.Timeout())
	if err != nil {
		var callErr *backend.CallError
		if errors.As(err, &callErr) {
			return errorResult("backend call failed (%s): %v", callErr.Reason, callErr.Err)
		}
		return errorResult("backend call failed: %v", err)
	}

	return textResult(string(result))
}

// backendToolsEntry is one member of discover_backend_tools' result, keyed by
// backend name: the backend's tools/list result, or the error that prevented
// fetching it. The backend's configured description is not included.
type backendToolsEntry struct {
	Tools json.RawMessage `json:"tools,omitempty"`
	Error string          `json:"error,omitempty"`
}

func (d *Dispatcher) discoverBackendTools(ctx context.Context, rawArgs json.RawMessage) toolResult {
	var args struct {
		BackendName string `json:"backend_name"`
	}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return errorResult("invalid discover_backend_tools arguments: %v", err)
		}
	}

	if args.BackendName != "" {
		if !d.registry.Existing(args.BackendName) {
			return errorResult("unknown backend: %s", args.BackendName)
		}
		entry := d.fetchTools(ctx, args.BackendName)
		return jsonResult(map[string]backendToolsEntry{args.BackendName: entry})
	}

	names := d.registry.Names()
	results := make(map[string]backendToolsEntry, len(names))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range names {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry := d.fetchTools(ctx, name)
			mu.Lock()
			results[name] = entry
			mu.Unlock()
		}()
	}
	wg.Wait()
	return jsonResult(results)
}

func (d *Dispatcher) fetchTools(ctx context.Context, name string) backendToolsEntry {
	session, err := d.registry.Get(ctx, name)
	if err != nil {
		return backendToolsEntry{Error: err.Error()}
	}
	result, err := session.ToolsList(ctx, session.Timeout())
	if err != nil {
		return backendToolsEntry{Error: err.Error()}
	}
	return backendToolsEntry{Tools: result}
}

func idKey(id interface{}) string {
	data, _ := json.Marshal(id)
	return string(data)
}

func (d *Dispatcher) respondResult(id interface{}, result interface{}) {
	msg, err := jsonrpc.NewResult(id, result)
	if err != nil {
		d.respondError(id, jsonrpc.CodeInternalError, fmt.Sprintf("failed to marshal result: %v", err))
		return
	}
	d.write(msg)
}

func (d *Dispatcher) respondError(id interface{}, code int, message string) {
	d.write(jsonrpc.NewErrorResponse(id, code, message))
}

func (d *Dispatcher) write(msg jsonrpc.Message) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := d.codec.WriteMessage(msg); err != nil {
		d.log.Warn("failed to write upstream response: %v", err)
	}
}

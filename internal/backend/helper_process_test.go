package backend_test

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// runHelperBackend is not a real test; it is re-exec'd as a child process by
// TestMain to act as a minimal MCP stdio backend, its behavior selected by
// HELPER_MODE so each test can exercise a distinct Backend Session code path
// (successful handshake, rejected handshake, slow tool calls, a crash) without
// a second compiled binary.
func runHelperBackend() {
	mode := os.Getenv("HELPER_MODE")
	reader := bufio.NewReader(os.Stdin)

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) == 0 {
			if err != nil {
				return
			}
			continue
		}

		var req struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      interface{}     `json:"id,omitempty"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params,omitempty"`
		}
		if jsonErr := json.Unmarshal(line, &req); jsonErr != nil {
			continue
		}

		switch req.Method {
		case "initialize":
			if mode == "reject-init" {
				writeError(req.ID, -32600, "handshake rejected")
				continue
			}
			writeResult(req.ID, map[string]interface{}{
				"protocolVersion": "2024-11-05",
				"capabilities":    map[string]interface{}{},
			})
		case "notifications/initialized":
			if mode == "crash-after-init" {
				os.Exit(1)
			}
		case "tools/list":
			writeResult(req.ID, map[string]interface{}{
				"tools": []map[string]string{{"name": "echo"}},
			})
		case "tools/call":
			switch mode {
			case "slow":
				time.Sleep(2 * time.Second)
				writeResult(req.ID, map[string]string{"text": "done"})
			default:
				writeResult(req.ID, map[string]string{"text": "hi"})
			}
		default:
			writeError(req.ID, -32601, "method not found")
		}
	}
}

func writeResult(id interface{}, result interface{}) {
	msg := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	}
	emit(msg)
}

func writeError(id interface{}, code int, message string) {
	msg := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]interface{}{"code": code, "message": message},
	}
	emit(msg)
}

func emit(msg map[string]interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	fmt.Fprintln(os.Stdout, string(data))
}

package dispatch_test

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// runHelperBackend is a minimal stdio MCP server used as a re-exec'd child
// process in the dispatch tests, mirroring the pattern established in
// internal/backend and internal/registry's own test helpers.
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
			ID     interface{}     `json:"id,omitempty"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params,omitempty"`
		}
		if jsonErr := json.Unmarshal(line, &req); jsonErr != nil {
			continue
		}

		switch req.Method {
		case "initialize":
			emit(req.ID, map[string]interface{}{})
		case "notifications/initialized":
			// no response expected
		case "tools/list":
			emit(req.ID, map[string]interface{}{
				"tools": []map[string]interface{}{
					{"name": "ping", "description": "replies pong"},
				},
			})
		case "tools/call":
			if mode == "slow" {
				time.Sleep(1 * time.Second)
			}
			emit(req.ID, map[string]interface{}{
				"content": []map[string]string{{"type": "text", "text": "pong"}},
				"isError": false,
			})
		default:
			emitError(req.ID, -32601, "method not found")
		}
	}
}

func emit(id interface{}, result interface{}) {
	data, _ := json.Marshal(result)
	fmt.Fprintf(os.Stdout, `{"jsonrpc":"2.0","id":%s,"result":%s}`+"\n", idLiteral(id), data)
}

func emitError(id interface{}, code int, message string) {
	fmt.Fprintf(os.Stdout, `{"jsonrpc":"2.0","id":%s,"error":{"code":%d,"message":%q}}`+"\n", idLiteral(id), code, message)
}

func idLiteral(id interface{}) string {
	data, _ := json.Marshal(id)
	return string(data)
}

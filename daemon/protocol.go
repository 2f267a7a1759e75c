// Package daemon implements the command plane: the request/response
// envelopes, the dispatcher over a set of sessions, newline-JSON unix
// and TCP servers, an HTTP server, daemon bookkeeping files, and a
// client.
package daemon

import (
	"encoding/json"
	"fmt"

	nerve "github.com/nerveworks/nerve"
)

// Command types recognized by the dispatcher.
const (
	CmdPing           = "PING"
	CmdStop           = "STOP"
	CmdGetSession     = "GET_SESSION"
	CmdListSessions   = "LIST_SESSIONS"
	CmdCreateNode     = "CREATE_NODE"
	CmdDeleteNode     = "DELETE_NODE"
	CmdForkNode       = "FORK_NODE"
	CmdListNodes      = "LIST_NODES"
	CmdExecuteInput   = "EXECUTE_INPUT"
	CmdRunCommand     = "RUN_COMMAND"
	CmdWriteData      = "WRITE_DATA"
	CmdGetBuffer      = "GET_BUFFER"
	CmdSendInterrupt  = "SEND_INTERRUPT"
	CmdListGraphs     = "LIST_GRAPHS"
	CmdRunGraph       = "RUN_GRAPH"
	CmdListWorkflows  = "LIST_WORKFLOWS"
	CmdExecWorkflow   = "EXECUTE_WORKFLOW"
	CmdGetWorkflowRun = "GET_WORKFLOW_RUN"
	CmdAnswerGate     = "ANSWER_GATE"
	CmdCancelWorkflow = "CANCEL_WORKFLOW"
	CmdExecutePython  = "EXECUTE_PYTHON"
	CmdExecuteREPL    = "EXECUTE_REPL_COMMAND"
)

// Request is one command frame. The id is opaque to the server and
// echoed on the response.
type Request struct {
	ID     string         `json:"id,omitempty"`
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// Response is one reply frame.
type Response struct {
	ID      string         `json:"id,omitempty"`
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// okResponse builds a success reply.
func okResponse(id string, data map[string]any) Response {
	return Response{ID: id, Success: true, Data: data}
}

// errResponse builds a failure reply carrying the error type in data so
// clients can classify without string matching.
func errResponse(id, errType, msg string) Response {
	return Response{
		ID:    id,
		Error: msg,
		Data:  map[string]any{"error_type": errType},
	}
}

// errResponsef is errResponse with formatting.
func errResponsef(id, errType, format string, args ...any) Response {
	return errResponse(id, errType, fmt.Sprintf(format, args...))
}

// resultResponse renders a node result as the reply body. A failed
// result still yields success=false with the result attached, so the
// caller sees the standardized shape either way.
func resultResponse(id string, res nerve.Result) Response {
	data, err := toMap(res)
	if err != nil {
		return errResponsef(id, nerve.ErrInternal, "encode result: %v", err)
	}
	resp := Response{ID: id, Success: res.Success, Data: data}
	if !res.Success {
		resp.Error = res.Error
	}
	return resp
}

// toMap converts a JSON-serializable value into a generic map for the
// response body.
func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Param accessors. The wire carries JSON, so numbers arrive as float64.

func strParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func boolParam(params map[string]any, key string) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return false
}

func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// secondsParam reads a numeric parameter expressed in seconds.
func secondsParam(params map[string]any, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func mapParam(params map[string]any, key string) map[string]any {
	if v, ok := params[key].(map[string]any); ok {
		return v
	}
	return nil
}

func stringsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

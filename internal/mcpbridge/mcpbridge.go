// Package mcpbridge is the Request Plane's JSON-RPC/SSE surface
// (spec.md §4.10, §6.8) for agent clients speaking a tool-call protocol.
// Grounded on the teacher's internal/mcp/handler.go (method dispatch
// switch, JSON-RPC request/response/error shapes) and
// stdio_transport.go (read-one-request, write-one-response loop),
// adapted from a stdio transport to a single HTTP endpoint that answers
// with SSE-framed events instead of newline-delimited JSON.
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/luljaj/relay/internal/api"
	relayerrors "github.com/luljaj/relay/internal/errors"
	"github.com/luljaj/relay/internal/logging"
	"github.com/luljaj/relay/internal/orchestration"
)

// protocolVersion is the fixed token advertised by initialize, per
// spec.md §6.8.
const protocolVersion = "2024-11-05"

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Bridge dispatches JSON-RPC methods against the shared Service.
type Bridge struct {
	svc    *api.Service
	logger *logging.Logger
}

// NewBridge wires a Bridge against the same Service the plain-JSON
// surface uses, so tools/call can never diverge in behavior.
func NewBridge(svc *api.Service) *Bridge {
	return &Bridge{svc: svc, logger: logging.Global().With("component", "mcpbridge")}
}

// ServeHTTP handles both GET (handshake) and POST (method dispatch) on
// the single /mcp endpoint.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		b.handleHandshake(w, r)
	case http.MethodPost:
		b.handlePost(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (b *Bridge) handleHandshake(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
}

func (b *Bridge) handlePost(w http.ResponseWriter, r *http.Request) {
	accept := r.Header.Get("Accept")
	if !strings.Contains(accept, "application/json") || !strings.Contains(accept, "text/event-stream") {
		writeRPCError(w, http.StatusNotAcceptable, nil, -32600, "Accept header must include application/json and text/event-stream")
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, http.StatusOK, nil, -32700, "Parse error")
		return
	}

	if strings.HasPrefix(req.Method, "notifications/") {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := b.dispatch(r.Context(), &req)
	writeSSE(w, resp)
}

func (b *Bridge) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return b.handleInitialize(req)
	case "tools/list":
		return b.handleToolsList(req)
	case "tools/call":
		return b.handleToolsCall(ctx, req)
	case "ping":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{}}
	default:
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: -32601, Message: "Method not found"}}
	}
}

func (b *Bridge) handleInitialize(req *Request) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
			"serverInfo":      map[string]string{"name": "relay", "version": "0.1.0"},
		},
	}
}

func (b *Bridge) handleToolsList(req *Request) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"tools": []map[string]interface{}{
				checkStatusToolSchema(),
				postStatusToolSchema(),
			},
		},
	}
}

type toolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (b *Bridge) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: -32602, Message: "Invalid params"}}
	}

	switch params.Name {
	case "check_status":
		return b.callCheckStatus(ctx, req.ID, params.Arguments)
	case "post_status":
		return b.callPostStatus(ctx, req.ID, params.Arguments)
	default:
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: -32602, Message: "Tool not found: " + params.Name}}
	}
}

func normalizeUsername(args map[string]interface{}) string {
	if raw, ok := args["username"].(string); ok {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			return trimmed
		}
	}
	return "anonymous"
}

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func stringSliceArg(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (b *Bridge) callCheckStatus(ctx context.Context, id interface{}, args map[string]interface{}) *Response {
	username := normalizeUsername(args)
	branch := stringArg(args, "branch")
	explicitBranch := branch != ""
	if !explicitBranch {
		branch = "master"
	}

	req := api.CheckStatusRequest{
		RepoURL:   stringArg(args, "repo_url"),
		Branch:    branch,
		FilePaths: stringSliceArg(args, "file_paths"),
		AgentHead: stringArg(args, "agent_head"),
		UserID:    username,
		UserName:  username,
	}

	resp, err := b.svc.CheckStatus(ctx, req)
	if err != nil && !explicitBranch && relayerrors.GetKind(err) == relayerrors.BranchNotFound {
		req.Branch = "main"
		resp, err = b.svc.CheckStatus(ctx, req)
	}
	if err != nil {
		return b.toolErrorResponse(id, err, true)
	}
	return b.toolSuccessResponse(id, resp)
}

func (b *Bridge) callPostStatus(ctx context.Context, id interface{}, args map[string]interface{}) *Response {
	username := normalizeUsername(args)
	branch := stringArg(args, "branch")
	explicitBranch := branch != ""
	if !explicitBranch {
		branch = "master"
	}

	req := api.PostStatusRequest{
		RepoURL:     stringArg(args, "repo_url"),
		Branch:      branch,
		FilePaths:   stringSliceArg(args, "file_paths"),
		Status:      stringArg(args, "status"),
		Message:     stringArg(args, "message"),
		AgentHead:   stringArg(args, "agent_head"),
		NewRepoHead: stringArg(args, "new_repo_head"),
		UserID:      username,
		UserName:    username,
	}

	resp, err := b.svc.PostStatus(ctx, req)
	if err != nil && !explicitBranch && relayerrors.GetKind(err) == relayerrors.BranchNotFound {
		req.Branch = "main"
		resp, err = b.svc.PostStatus(ctx, req)
	}
	if err != nil {
		return b.toolErrorResponse(id, err, false)
	}
	return b.toolSuccessResponse(id, resp)
}

// toolSuccessResponse passes the internal response through verbatim as
// structuredContent, plus a JSON-text content block, per spec.md §4.10.
func (b *Bridge) toolSuccessResponse(id interface{}, body interface{}) *Response {
	raw, _ := json.Marshal(body)
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Result: map[string]interface{}{
			"content":           []map[string]interface{}{{"type": "text", "text": string(raw)}},
			"structuredContent": body,
		},
	}
}

// toolErrorResponse maps an infrastructure/validation error into the
// tool-result envelope spec.md §4.10's error mapping describes. isCheck
// picks SWITCH_TASK vs STOP for a network failure.
func (b *Bridge) toolErrorResponse(id interface{}, err error, isCheck bool) *Response {
	kind := relayerrors.GetKind(err)
	ctx := relayerrors.GetContext(err)

	var cmd orchestration.Command
	switch kind {
	case relayerrors.QuotaExhausted:
		cmd = orchestration.Command{Type: "orchestration_command", Action: orchestration.ActionStop, Reason: "rate limited: " + err.Error()}
		return b.toolSuccessResponse(id, map[string]interface{}{
			"success": false, "status": "OFFLINE", "orchestration": cmd, "retry_after_ms": ctx["retry_after_ms"],
		})
	case relayerrors.Validation:
		cmd = orchestration.Command{Type: "orchestration_command", Action: orchestration.ActionStop, Reason: "validation failed: " + err.Error()}
	case relayerrors.Unreachable, relayerrors.BranchNotFound, relayerrors.LockStoreUnavailable:
		action := orchestration.ActionStop
		if isCheck {
			action = orchestration.ActionSwitchTask
		}
		cmd = orchestration.Command{Type: "orchestration_command", Action: action, Reason: "relay offline: " + err.Error()}
	default:
		cmd = orchestration.Command{Type: "orchestration_command", Action: orchestration.ActionStop, Reason: err.Error()}
	}

	return b.toolSuccessResponse(id, map[string]interface{}{"success": false, "orchestration": cmd})
}

func writeRPCError(w http.ResponseWriter, status int, id interface{}, code int, message string) {
	resp := &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
	if status == http.StatusOK {
		writeSSE(w, resp)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeSSE(w http.ResponseWriter, resp *Response) {
	raw, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: message\ndata: %s\n\n", raw)
}

func checkStatusToolSchema() map[string]interface{} {
	return map[string]interface{}{
		"name":        "check_status",
		"description": "Check whether the caller's working tree is current and whether intended files are locked.",
		"inputSchema": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"repo_url":   map[string]string{"type": "string"},
				"branch":     map[string]string{"type": "string"},
				"file_paths": map[string]interface{}{"type": "array", "items": map[string]string{"type": "string"}},
				"agent_head": map[string]string{"type": "string"},
				"username":   map[string]string{"type": "string"},
			},
			"required": []string{"repo_url", "file_paths", "agent_head"},
		},
	}
}

func postStatusToolSchema() map[string]interface{} {
	return map[string]interface{}{
		"name":        "post_status",
		"description": "Declare intent (OPEN/READING/WRITING) on a set of files and acquire or release locks accordingly.",
		"inputSchema": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"repo_url":      map[string]string{"type": "string"},
				"branch":        map[string]string{"type": "string"},
				"file_paths":    map[string]interface{}{"type": "array", "items": map[string]string{"type": "string"}},
				"status":        map[string]interface{}{"type": "string", "enum": []string{"OPEN", "READING", "WRITING"}},
				"message":       map[string]string{"type": "string"},
				"agent_head":    map[string]string{"type": "string"},
				"new_repo_head": map[string]string{"type": "string"},
				"username":      map[string]string{"type": "string"},
			},
			"required": []string{"repo_url", "file_paths", "status", "message"},
		},
	}
}

package mcpbridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	relayerrors "github.com/luljaj/relay/internal/errors"
	"github.com/luljaj/relay/internal/orchestration"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bothAccept = "application/json, text/event-stream"

func TestHandlePost_RejectsMissingAcceptHeader(t *testing.T) {
	b := &Bridge{}
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(`{}`))
	req.Header.Set("Accept", "application/json")
	w := httptest.NewRecorder()

	b.handlePost(w, req)

	assert.Equal(t, http.StatusNotAcceptable, w.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32600, resp.Error.Code)
}

func TestHandlePost_NotificationReturns202(t *testing.T) {
	b := &Bridge{}
	body, _ := json.Marshal(Request{JSONRPC: "2.0", Method: "notifications/initialized"})
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBuffer(body))
	req.Header.Set("Accept", bothAccept)
	w := httptest.NewRecorder()

	b.handlePost(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestHandlePost_ParseErrorIsSSEFramed(t *testing.T) {
	b := &Bridge{}
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(`not json`))
	req.Header.Set("Accept", bothAccept)
	w := httptest.NewRecorder()

	b.handlePost(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "event: message")
	assert.Contains(t, w.Body.String(), `"code":-32700`)
}

func TestDispatch_Initialize(t *testing.T) {
	b := &Bridge{}
	resp := b.dispatch(nil, &Request{JSONRPC: "2.0", ID: 1, Method: "initialize"})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, protocolVersion, result["protocolVersion"])
}

func TestDispatch_ToolsList(t *testing.T) {
	b := &Bridge{}
	resp := b.dispatch(nil, &Request{JSONRPC: "2.0", ID: 1, Method: "tools/list"})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	tools := result["tools"].([]map[string]interface{})
	assert.Len(t, tools, 2)
}

func TestDispatch_Ping(t *testing.T) {
	b := &Bridge{}
	resp := b.dispatch(nil, &Request{JSONRPC: "2.0", ID: 7, Method: "ping"})
	require.Nil(t, resp.Error)
	assert.Equal(t, 7, resp.ID)
}

func TestDispatch_UnknownMethod(t *testing.T) {
	b := &Bridge{}
	resp := b.dispatch(nil, &Request{JSONRPC: "2.0", ID: 1, Method: "bogus"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
}

func TestHandleToolsCall_UnknownToolName(t *testing.T) {
	b := &Bridge{}
	params, _ := json.Marshal(toolCallParams{Name: "delete_everything"})
	resp := b.handleToolsCall(nil, &Request{ID: 1, Params: params})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32602, resp.Error.Code)
}

func TestHandleToolsCall_InvalidParams(t *testing.T) {
	b := &Bridge{}
	resp := b.handleToolsCall(nil, &Request{ID: 1, Params: json.RawMessage(`not json`)})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32602, resp.Error.Code)
}

func TestNormalizeUsername(t *testing.T) {
	assert.Equal(t, "anonymous", normalizeUsername(map[string]interface{}{}))
	assert.Equal(t, "anonymous", normalizeUsername(map[string]interface{}{"username": "   "}))
	assert.Equal(t, "alice", normalizeUsername(map[string]interface{}{"username": " alice "}))
}

func TestStringArgAndStringSliceArg(t *testing.T) {
	args := map[string]interface{}{
		"repo_url":   "github.com/acme/widget",
		"file_paths": []interface{}{"a.go", "b.go"},
		"weird":      42,
	}
	assert.Equal(t, "github.com/acme/widget", stringArg(args, "repo_url"))
	assert.Equal(t, "", stringArg(args, "missing"))
	assert.Equal(t, "", stringArg(args, "weird"))
	assert.Equal(t, []string{"a.go", "b.go"}, stringSliceArg(args, "file_paths"))
	assert.Nil(t, stringSliceArg(args, "missing"))
}

func TestToolErrorResponse_QuotaExhaustedYieldsOffline(t *testing.T) {
	b := &Bridge{}
	resp := b.toolErrorResponse(1, relayerrors.QuotaExhaustedError(errors.New("rate limited"), 3000), true)

	result := resp.Result.(map[string]interface{})
	body := result["structuredContent"].(map[string]interface{})
	assert.Equal(t, "OFFLINE", body["status"])
	assert.Equal(t, int64(3000), body["retry_after_ms"])
}

func TestToolErrorResponse_UnreachableYieldsSwitchTaskForCheck(t *testing.T) {
	b := &Bridge{}
	resp := b.toolErrorResponse(1, relayerrors.UnreachableError(errors.New("dial timeout")), true)

	result := resp.Result.(map[string]interface{})
	body := result["structuredContent"].(map[string]interface{})
	cmd := body["orchestration"].(orchestration.Command)
	assert.Equal(t, orchestration.ActionSwitchTask, cmd.Action)
}

func TestToolErrorResponse_UnreachableYieldsStopForPost(t *testing.T) {
	b := &Bridge{}
	resp := b.toolErrorResponse(1, relayerrors.UnreachableError(errors.New("dial timeout")), false)

	result := resp.Result.(map[string]interface{})
	body := result["structuredContent"].(map[string]interface{})
	cmd := body["orchestration"].(orchestration.Command)
	assert.Equal(t, orchestration.ActionStop, cmd.Action)
}

func TestToolSuccessResponse_CarriesStructuredContentAndText(t *testing.T) {
	b := &Bridge{}
	resp := b.toolSuccessResponse(1, map[string]string{"status": "OK"})

	result := resp.Result.(map[string]interface{})
	content := result["content"].([]map[string]interface{})
	require.Len(t, content, 1)
	assert.Equal(t, "text", content[0]["type"])
	assert.Contains(t, content[0]["text"], "OK")
}

// Package mcpserver exposes bridge administration as MCP tools over the
// Streamable HTTP transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	sdkserver "github.com/mark3labs/mcp-go/server"

	"github.com/gaspardpetit/activitybridge/internal/cache"
	"github.com/gaspardpetit/activitybridge/internal/frame"
)

// Bridges is the broker surface the tools use. *broker.Broker satisfies it.
type Bridges interface {
	ListRegisteredPIDs() []uint32
	HostPID(pid uint32) (uint32, bool)
	SendRequest(ctx context.Context, pid uint32, action string, payload *string, timeout time.Duration) (frame.Response, error)
}

// Cache is the read side of the opportunistic cache.
type Cache interface {
	Get(pid uint32) (cache.Entry, bool)
}

type tools struct {
	bridges Bridges
	cache   Cache
}

// NewServer builds an MCP server with the bridge tools registered.
func NewServer(version string, b Bridges, c Cache) *sdkserver.MCPServer {
	srv := sdkserver.NewMCPServer(
		"activitybridge",
		version,
		sdkserver.WithToolCapabilities(false),
		sdkserver.WithResourceCapabilities(false, false),
		sdkserver.WithPromptCapabilities(false),
	)
	t := &tools{bridges: b, cache: c}
	srv.AddTool(mcp.NewTool("list_bridges",
		mcp.WithDescription("List the browser processes with a connected bridge."),
	), t.listBridges)
	srv.AddTool(mcp.NewTool("bridge_status",
		mcp.WithDescription("Show whether a browser process has a bridge and what is cached for it."),
		mcp.WithNumber("pid", mcp.Required(), mcp.Description("browser process id")),
	), t.bridgeStatus)
	srv.AddTool(mcp.NewTool("bridge_request",
		mcp.WithDescription("Send an action to a bridge and return its reply payload."),
		mcp.WithNumber("pid", mcp.Required(), mcp.Description("browser process id")),
		mcp.WithString("action", mcp.Required(), mcp.Description("for example GET_METADATA, GENERATE_ASSETS or GENERATE_SNAPSHOT")),
		mcp.WithString("payload", mcp.Description("optional request payload")),
		mcp.WithNumber("timeout_ms", mcp.Description("reply deadline; the broker default applies when omitted")),
	), t.bridgeRequest)
	return srv
}

// NewHandler wraps NewServer in a Streamable HTTP handler.
func NewHandler(version string, b Bridges, c Cache) http.Handler {
	return sdkserver.NewStreamableHTTPServer(
		NewServer(version, b, c),
		sdkserver.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return ctx
		}),
	)
}

type bridgeEntry struct {
	BrowserPID uint32 `json:"browser_pid"`
	HostPID    uint32 `json:"host_pid"`
}

func (t *tools) listBridges(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out := []bridgeEntry{}
	for _, pid := range t.bridges.ListRegisteredPIDs() {
		if host, ok := t.bridges.HostPID(pid); ok {
			out = append(out, bridgeEntry{BrowserPID: pid, HostPID: host})
		}
	}
	return jsonResult(out)
}

func (t *tools) bridgeStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pid, errRes := pidArg(req)
	if errRes != nil {
		return errRes, nil
	}
	host, registered := t.bridges.HostPID(pid)
	status := struct {
		BrowserPID uint32       `json:"browser_pid"`
		Registered bool         `json:"registered"`
		HostPID    uint32       `json:"host_pid,omitempty"`
		Cached     *cache.Entry `json:"cached,omitempty"`
	}{BrowserPID: pid, Registered: registered, HostPID: host}
	if t.cache != nil {
		if e, ok := t.cache.Get(pid); ok {
			status.Cached = &e
		}
	}
	return jsonResult(status)
}

func (t *tools) bridgeRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pid, errRes := pidArg(req)
	if errRes != nil {
		return errRes, nil
	}
	action, err := req.RequireString("action")
	if err != nil || action == "" {
		return mcp.NewToolResultError("action is required"), nil
	}
	var payload *string
	if p := req.GetString("payload", ""); p != "" {
		payload = &p
	}
	timeout := time.Duration(req.GetFloat("timeout_ms", 0)) * time.Millisecond
	resp, err := t.bridges.SendRequest(ctx, pid, action, payload, timeout)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if resp.Payload == nil {
		return mcp.NewToolResultText(""), nil
	}
	return mcp.NewToolResultText(*resp.Payload), nil
}

func pidArg(req mcp.CallToolRequest) (uint32, *mcp.CallToolResult) {
	f, err := req.RequireFloat("pid")
	if err != nil {
		return 0, mcp.NewToolResultError("pid is required")
	}
	if f < 1 || f > float64(^uint32(0)) || f != float64(uint32(f)) {
		return 0, mcp.NewToolResultError("pid must be a positive 32-bit integer")
	}
	return uint32(f), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}

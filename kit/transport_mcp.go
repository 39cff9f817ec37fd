package kit

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pinwatch/idgen"
)

// Error codes carried by a failed tool call.
const (
	CodeInvalidArguments = "invalid_arguments"
	CodeInternal         = "internal"
)

// MCPDecodeResult holds the decoded request and an optional context enrichment.
type MCPDecodeResult struct {
	Request   any
	EnrichCtx func(context.Context) context.Context
}

// ToolError is the JSON body of a failed tool call.
type ToolError struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// ToolOption configures RegisterMCPTool.
type ToolOption func(*toolConfig)

type toolConfig struct {
	classify func(error) string
	newID    idgen.Generator
}

func (c *toolConfig) defaults() {
	if c.classify == nil {
		c.classify = func(error) string { return CodeInternal }
	}
	if c.newID == nil {
		c.newID = idgen.Prefixed("mcp_", idgen.NanoID(12))
	}
}

// WithErrorCode sets the function that turns an endpoint error into a code.
// An empty code falls back to CodeInternal.
func WithErrorCode(fn func(error) string) ToolOption {
	return func(c *toolConfig) { c.classify = fn }
}

// WithRequestIDs sets the generator for per-call request ids.
func WithRequestIDs(gen idgen.Generator) ToolOption {
	return func(c *toolConfig) { c.newID = gen }
}

// RegisterMCPTool registers an Endpoint as an MCP tool on srv. decode turns
// req.Params.Arguments into the endpoint's request. Every call gets a request
// id in its context. Decode and endpoint errors become tool results with
// IsError set and a ToolError body, never protocol errors.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode func(*mcp.CallToolRequest) (*MCPDecodeResult, error), opts ...ToolOption) {
	var cfg toolConfig
	for _, o := range opts {
		o(&cfg)
	}
	cfg.defaults()

	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := cfg.newID()
		ctx = WithRequestID(WithTransport(ctx, "mcp"), id)

		decoded, err := decode(req)
		if err != nil {
			return toolError(ToolError{Error: "invalid arguments: " + err.Error(), Code: CodeInvalidArguments, RequestID: id}), nil
		}
		if decoded.EnrichCtx != nil {
			ctx = decoded.EnrichCtx(ctx)
		}

		resp, err := endpoint(ctx, decoded.Request)
		if err != nil {
			code := cfg.classify(err)
			if code == "" {
				code = CodeInternal
			}
			return toolError(ToolError{Error: err.Error(), Code: code, RequestID: id}), nil
		}

		// A nil response still answers with valid JSON.
		if resp == nil {
			resp = struct{}{}
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return toolError(ToolError{Error: "marshal: " + err.Error(), Code: CodeInternal, RequestID: id}), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func toolError(e ToolError) *mcp.CallToolResult {
	data, _ := json.Marshal(e)
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}

// DecodeToolError parses the body of a failed tool call.
func DecodeToolError(res *mcp.CallToolResult) (ToolError, bool) {
	var e ToolError
	if res == nil || !res.IsError || len(res.Content) == 0 {
		return e, false
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok || json.Unmarshal([]byte(tc.Text), &e) != nil {
		return e, false
	}
	return e, e.Code != ""
}

// DecodeArgs returns a decode function that unmarshals the tool arguments
// into a fresh *T. Empty arguments decode to the zero value.
func DecodeArgs[T any]() func(*mcp.CallToolRequest) (*MCPDecodeResult, error) {
	return func(req *mcp.CallToolRequest) (*MCPDecodeResult, error) {
		var r T
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				return nil, err
			}
		}
		return &MCPDecodeResult{Request: &r}, nil
	}
}

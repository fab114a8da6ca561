package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Decoder turns raw tool arguments into the request an Endpoint expects.
type Decoder func(args json.RawMessage) (any, error)

// DecodeJSON unmarshals tool arguments into a new *T. Missing or empty
// arguments yield a zero *T.
func DecodeJSON[T any]() Decoder {
	return func(args json.RawMessage) (any, error) {
		p := new(T)
		if len(args) == 0 || string(args) == "null" {
			return p, nil
		}
		if err := json.Unmarshal(args, p); err != nil {
			return nil, err
		}
		return p, nil
	}
}

// RegisterMCPTool exposes an Endpoint as an MCP tool. The transport is set
// to "mcp" in the context. Decode and endpoint failures come back as tool
// results flagged IsError so the client sees the message; the protocol
// error channel is left for the SDK. A successful response is sent as one
// JSON text block.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode Decoder) {
	srv.AddTool(tool, func(ctx context.Context, call *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx = WithTransport(ctx, "mcp")

		var args json.RawMessage
		if call.Params != nil {
			args = call.Params.Arguments
		}
		req, err := decode(args)
		if err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}
		resp, err := endpoint(ctx, req)
		if err != nil {
			return toolError(err), nil
		}
		body, err := json.Marshal(resp)
		if err != nil {
			return toolError(fmt.Errorf("encode %s result: %w", tool.Name, err)), nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(body)}}}, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	res := &mcp.CallToolResult{}
	res.SetError(err)
	return res
}

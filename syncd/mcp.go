package syncd

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/sourcesync/errclass"
	"github.com/hazyhaar/sourcesync/kit"
	"github.com/hazyhaar/sourcesync/ledger"
	"github.com/hazyhaar/sourcesync/source"
	"github.com/hazyhaar/sourcesync/syncer"
)

// NewMCPServer returns an MCP server carrying the sync tools.
func (s *Service) NewMCPServer() *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "sourcesync", Version: Version}, nil)
	s.RegisterMCP(srv)
	return srv
}

// RegisterMCP registers the sync tools on srv. Every tool goes through the
// kit logging middleware.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerSyncTool(srv, "sync_incremental", syncer.ModeIncremental,
		"Fetch the newest pages of an account until already-synced items are reached.")
	s.registerSyncTool(srv, "sync_full", syncer.ModeFull,
		"Walk an account's history backwards, resuming from the saved cursor.")
	s.registerCancelTool(srv)
	s.registerStateTool(srv)
	s.registerAttemptsTool(srv)
	s.registerStructuresTool(srv)
	s.registerManualTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (s *Service) endpoint(name string, e kit.Endpoint) kit.Endpoint {
	return kit.Logging(s.logger, name)(e)
}

var accountProp = map[string]any{"type": "string", "description": "Configured account id"}

type accountReq struct {
	AccountID string `json:"account_id"`
}

// --- sync ---

func (s *Service) registerSyncTool(srv *mcp.Server, name string, mode syncer.Mode, desc string) {
	tool := &mcp.Tool{
		Name:        name,
		Description: desc + " Blocks until the run ends and returns its result.",
		InputSchema: inputSchema(map[string]any{"account_id": accountProp}, []string{"account_id"}),
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint(name, func(ctx context.Context, req any) (any, error) {
		r := req.(*accountReq)
		return s.Sync(ctx, r.AccountID, mode, source.TriggerManual)
	}), kit.DecodeJSON[accountReq]())
}

// --- cancel ---

func (s *Service) registerCancelTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "sync_cancel",
		Description: "Ask an account's running sync to stop at the next page boundary.",
		InputSchema: inputSchema(map[string]any{"account_id": accountProp}, []string{"account_id"}),
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint("sync_cancel", func(ctx context.Context, req any) (any, error) {
		r := req.(*accountReq)
		active, err := s.Cancel(r.AccountID)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"cancelled": active}, nil
	}), kit.DecodeJSON[accountReq]())
}

// --- state ---

func (s *Service) registerStateTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "sync_state",
		Description: "Return the persisted sync state of one account, or of all accounts when account_id is empty.",
		InputSchema: inputSchema(map[string]any{"account_id": accountProp}, nil),
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint("sync_state", func(ctx context.Context, req any) (any, error) {
		r := req.(*accountReq)
		if r.AccountID == "" {
			return s.States(ctx)
		}
		return s.State(ctx, r.AccountID)
	}), kit.DecodeJSON[accountReq]())
}

// --- attempts ---

type attemptsReq struct {
	URL       string `json:"url"`
	AccountID string `json:"account_id"`
	Status    string `json:"status"`
	Category  string `json:"category"`
	SinceMins int    `json:"since_minutes"`
	Limit     int    `json:"limit"`
}

func (s *Service) registerAttemptsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "attempts_query",
		Description: "Query the fetch attempt ledger, newest first.",
		InputSchema: inputSchema(map[string]any{
			"url":           map[string]any{"type": "string"},
			"account_id":    accountProp,
			"status":        map[string]any{"type": "string", "enum": []string{"success", "failed", "skipped"}},
			"category":      map[string]any{"type": "string", "description": "Error category, e.g. RATE_LIMITED"},
			"since_minutes": map[string]any{"type": "integer", "description": "Only attempts newer than this many minutes"},
			"limit":         map[string]any{"type": "integer", "description": "Max results (default 100)"},
		}, nil),
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint("attempts_query", func(ctx context.Context, req any) (any, error) {
		r := req.(*attemptsReq)
		f := ledger.Filter{
			URL:       r.URL,
			AccountID: r.AccountID,
			Status:    ledger.Status(r.Status),
			Category:  errclass.Category(r.Category),
			Limit:     r.Limit,
		}
		if r.SinceMins > 0 {
			f.Since = time.Now().Add(-time.Duration(r.SinceMins) * time.Minute)
		}
		return s.Attempts(ctx, f)
	}), kit.DecodeJSON[attemptsReq]())
}

// --- structures ---

type structuresReq struct {
	Top int `json:"top"`
}

func (s *Service) registerStructuresTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "structures_stats",
		Description: "Summarise the catalog of page structures seen so far.",
		InputSchema: inputSchema(map[string]any{
			"top": map[string]any{"type": "integer", "description": "Number of most frequent structures (default 20)"},
		}, nil),
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint("structures_stats", func(ctx context.Context, req any) (any, error) {
		r := req.(*structuresReq)
		if r.Top <= 0 {
			r.Top = 20
		}
		return s.Structures(ctx, r.Top)
	}), kit.DecodeJSON[structuresReq]())
}

// --- manual ---

func (s *Service) registerManualTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "cache_manual",
		Description: "Store an operator-supplied page body as the current cached version, then parse and audit it.",
		InputSchema: inputSchema(map[string]any{
			"url":        map[string]any{"type": "string"},
			"secondary":  map[string]any{"type": "string", "description": "Optional secondary key"},
			"account_id": accountProp,
			"payload":    map[string]any{"type": "string", "description": "Raw page body"},
		}, []string{"url", "payload"}),
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint("cache_manual", func(ctx context.Context, req any) (any, error) {
		m, err := req.(*ManualRequest).payload()
		if err != nil {
			return nil, err
		}
		out, err := s.RecordManual(ctx, m)
		switch {
		case err == nil:
		case out != nil && out.Category == errclass.ParseError:
			return nil, fmt.Errorf("payload stored, attempt %s: %w", out.AttemptID, err)
		default:
			return nil, fmt.Errorf("payload not stored: %w", err)
		}
		return out, nil
	}), kit.DecodeJSON[ManualRequest]())
}

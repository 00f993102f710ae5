package mcp

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/faucetdb/spigot/internal/model"
)

// maxListed caps how many rows a listing tool returns.
const maxListed = 500

// registerTools registers all operator tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Administrators -----

	srv.AddTool(
		mcp.NewTool("list_admins",
			mcp.WithDescription(
				"List all administrator accounts with their role, active flag and last "+
					"login time. Password hashes are never included.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListAdmins,
	)

	// ----- Sessions -----

	srv.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription(
				"List sessions, newest first. Each entry shows the owner, origin address, "+
					"user agent, last activity and both expiry times. Pass admin_id to see "+
					"only one administrator's sessions.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithNumber("admin_id",
				mcp.Description("Only list sessions owned by this administrator"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of sessions to return (default 100, max 500)"),
			),
		),
		s.handleListSessions,
	)

	srv.AddTool(
		mcp.NewTool("revoke_session",
			mcp.WithDescription(
				"Revoke one session. Its access and refresh tokens stop working "+
					"immediately; the owner must log in again.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("ID of the session to revoke (from list_sessions)"),
			),
		),
		s.handleRevokeSession,
	)

	srv.AddTool(
		mcp.NewTool("revoke_all_sessions",
			mcp.WithDescription(
				"Revoke every session of one administrator, signing it out everywhere.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithNumber("admin_id",
				mcp.Required(),
				mcp.Description("ID of the administrator whose sessions are revoked"),
			),
		),
		s.handleRevokeAllSessions,
	)

	// ----- Lockouts -----

	srv.AddTool(
		mcp.NewTool("list_lockouts",
			mcp.WithDescription(
				"List failed-login counters per identity and per origin address. Entries "+
					"with lockedUntil in the future are currently refusing logins.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListLockouts,
	)

	srv.AddTool(
		mcp.NewTool("clear_lockout",
			mcp.WithDescription(
				"Clear a failed-login counter and any lock on it, allowing logins again "+
					"before the lock would have lapsed.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("kind",
				mcp.Required(),
				mcp.Enum(string(model.LockoutIdentity), string(model.LockoutOrigin)),
				mcp.Description("Whether key is a login identity or an origin address"),
			),
			mcp.WithString("key",
				mcp.Required(),
				mcp.Description("The identity or address, as shown by list_lockouts"),
			),
		),
		s.handleClearLockout,
	)
}

func (s *MCPServer) handleListAdmins(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	admins, err := s.deps.Admins.List(ctx)
	if err != nil {
		return nil, err
	}
	return successJSON(admins)
}

func (s *MCPServer) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var (
		sessions []model.Session
		err      error
	)
	if owner := optionalInt(request, "admin_id", 0); owner > 0 {
		sessions, err = s.deps.Sessions.ListByOwner(ctx, int64(owner))
	} else {
		sessions, err = s.deps.Sessions.List(ctx)
	}
	if err != nil {
		return nil, err
	}

	limit := clamp(optionalInt(request, "limit", 100), 1, maxListed)
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return successJSON(sessions)
}

func (s *MCPServer) handleRevokeSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireString(request, "session_id")
	if err != nil {
		return toolError("%v", err)
	}
	if err := s.deps.Sessions.Revoke(ctx, id); err != nil {
		return serviceError(err)
	}
	s.logger.Info("session revoked over MCP", "session_id", id)
	return successJSON(map[string]interface{}{"success": true, "id": id})
}

func (s *MCPServer) handleRevokeAllSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	adminID, err := requireID(request, "admin_id")
	if err != nil {
		return toolError("%v", err)
	}
	if _, err := s.deps.Admins.Get(ctx, adminID); err != nil {
		return serviceError(err)
	}
	n, err := s.deps.Sessions.RevokeAll(ctx, adminID, "")
	if err != nil {
		return nil, err
	}
	s.logger.Info("sessions revoked over MCP", "admin_id", adminID, "count", n)
	return successJSON(map[string]interface{}{"success": true, "revoked": n})
}

func (s *MCPServer) handleListLockouts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	records, err := s.deps.Lockout.List(ctx)
	if err != nil {
		return nil, err
	}

	type lockoutView struct {
		model.LockoutRecord
		Locked bool `json:"locked"`
	}
	now := time.Now()
	views := make([]lockoutView, len(records))
	for i, rec := range records {
		views[i] = lockoutView{
			LockoutRecord: rec,
			Locked:        rec.Locked(now),
		}
	}
	return successJSON(views)
}

func (s *MCPServer) handleClearLockout(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind, err := requireString(request, "kind")
	if err != nil {
		return toolError("%v", err)
	}
	if kind != string(model.LockoutIdentity) && kind != string(model.LockoutOrigin) {
		return toolError("kind must be %q or %q", model.LockoutIdentity, model.LockoutOrigin)
	}
	key, err := requireString(request, "key")
	if err != nil {
		return toolError("%v", err)
	}
	if err := s.deps.Lockout.Clear(ctx, model.LockoutKind(kind), key); err != nil {
		return serviceError(err)
	}
	return successJSON(map[string]interface{}{"success": true})
}

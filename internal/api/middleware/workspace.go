package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	// WorkspaceIDKey is the context key for the workspace id.
	WorkspaceIDKey contextKey = "workspace_id"
	// UserIDKey is the context key for the acting user id.
	UserIDKey contextKey = "user_id"
)

// DefaultWorkspace is the workspace assumed when a request carries no
// explicit scope. Zero-config deployments run single-tenant against it.
const DefaultWorkspace = "default"

// WorkspaceExtractor extracts the workspace scope from the request.
// It checks the X-Workspace-Id header, then the workspace query
// parameter, and falls back to the default workspace.
func WorkspaceExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		workspace := strings.TrimSpace(r.Header.Get("X-Workspace-Id"))
		if workspace == "" {
			workspace = strings.TrimSpace(r.URL.Query().Get("workspace"))
		}
		if workspace == "" {
			workspace = DefaultWorkspace
		}

		user := strings.TrimSpace(r.Header.Get("X-User-Id"))
		if user == "" {
			user = "anonymous"
		}

		ctx := context.WithValue(r.Context(), WorkspaceIDKey, workspace)
		ctx = context.WithValue(ctx, UserIDKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetWorkspaceID retrieves the workspace id from the request context.
func GetWorkspaceID(ctx context.Context) string {
	if v, ok := ctx.Value(WorkspaceIDKey).(string); ok {
		return v
	}
	return DefaultWorkspace
}

// GetUserID retrieves the acting user id from the request context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return "anonymous"
}

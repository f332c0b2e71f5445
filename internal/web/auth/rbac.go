package auth

import (
	"net/http"

	"github.com/conduit-lang/relay/internal/web/hooks"
	"github.com/conduit-lang/relay/internal/web/request"
	"github.com/conduit-lang/relay/internal/web/response"
)

// Permission names an action on a resource, e.g. "posts.delete"
type Permission string

// Policy maps role names to the permissions they grant
type Policy map[string][]Permission

// DefaultPolicy grants admins everything an editor has plus system.admin
func DefaultPolicy() Policy {
	return Policy{
		"admin":  {"posts.read", "posts.create", "posts.update", "posts.delete", "users.read", "users.create", "users.update", "users.delete", "system.admin"},
		"editor": {"posts.read", "posts.create", "posts.update", "users.read"},
		"viewer": {"posts.read"},
	}
}

// Allows reports whether any of roles grants permission
func (p Policy) Allows(roles []string, permission Permission) bool {
	for _, role := range roles {
		for _, granted := range p[role] {
			if granted == permission {
				return true
			}
		}
	}
	return false
}

// RequireRole is a preHandler hook that answers 403 unless the
// authenticated user has one of roles. Attach it with
// app.WithHook(hooks.PreHandler, ...).
func RequireRole(roles ...string) hooks.Hook {
	return hooks.NewHook(func(req *request.Request, reply *response.Reply) error {
		claims, ok := CurrentUser(req)
		if !ok {
			return unauthenticated(reply)
		}
		for _, role := range roles {
			if claims.HasRole(role) {
				return nil
			}
		}
		return forbidden(reply)
	}).Named("require-role")
}

// RequirePermission is like RequireRole but resolves roles through policy
func RequirePermission(policy Policy, permission Permission) hooks.Hook {
	return hooks.NewHook(func(req *request.Request, reply *response.Reply) error {
		claims, ok := CurrentUser(req)
		if !ok {
			return unauthenticated(reply)
		}
		if !policy.Allows(claims.Roles, permission) {
			return forbidden(reply)
		}
		return nil
	}).Named("require-permission")
}

func unauthenticated(reply *response.Reply) error {
	return sendError(reply, response.NewHTTPError(http.StatusUnauthorized, "Authorization required").WithCode("authorization_required"))
}

func forbidden(reply *response.Reply) error {
	return sendError(reply, response.NewHTTPError(http.StatusForbidden, "Forbidden"))
}

func sendError(reply *response.Reply, httpErr *response.HTTPError) error {
	if err := reply.Code(httpErr.StatusCode); err != nil {
		return err
	}
	return reply.Send(httpErr.Body())
}

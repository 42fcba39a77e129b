package middleware

import (
	"slices"

	"github.com/gin-gonic/gin"

	apperrors "seclog.io/chain/internal/pkg/errors"
)

// Permissions understood by the API.
const (
	// PermissionAdmin grants every other permission.
	PermissionAdmin       = "security:admin"
	PermissionEventsWrite = "security:events:write"
	PermissionLogsRead    = "security:logs:read"
	PermissionLogsCleanup = "security:logs:cleanup"
)

// HasPermission reports whether perms grants permission.
func HasPermission(perms []string, permission string) bool {
	return slices.Contains(perms, PermissionAdmin) || slices.Contains(perms, permission)
}

// RequirePermission returns middleware that checks the caller's token grants
// permission. onDenied may be nil.
func RequirePermission(permission string, onDenied DenyHook) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, exists := c.Get(string(ctxKeyPermissions))
		if !exists {
			denyForbidden(c, onDenied, "no permissions in context")
			return
		}
		permList, ok := perms.([]string)
		if !ok {
			denyForbidden(c, onDenied, "invalid permissions type")
			return
		}

		if HasPermission(permList, permission) {
			c.Next()
			return
		}

		denyForbidden(c, onDenied, "missing permission "+permission)
	}
}

func denyForbidden(c *gin.Context, onDenied DenyHook, reason string) {
	if onDenied != nil {
		onDenied(c, reason)
	}
	abortWithAppError(c, apperrors.Forbidden(apperrors.CodeForbidden, "insufficient permissions"))
}

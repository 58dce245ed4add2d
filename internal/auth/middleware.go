package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key holding the caller's *Result.
const ResultKey = "auth_result"

// Middleware guards gin routes. A nil service disables it.
type Middleware struct {
	svc *Service
}

func NewMiddleware(svc *Service) *Middleware {
	return &Middleware{svc: svc}
}

func (m *Middleware) Enabled() bool { return m != nil && m.svc != nil }

// GinAuth authenticates every request.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}
		res, err := m.svc.Authenticate(c.Request)
		if err != nil || !res.Success {
			c.Header("WWW-Authenticate", `Basic realm="svckeeper"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			return
		}
		c.Set(ResultKey, res)
		c.Next()
	}
}

// GinRequire rejects callers whose roles do not allow action.
func (m *Middleware) GinRequire(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}
		v, ok := c.Get(ResultKey)
		res, _ := v.(*Result)
		if !ok || res == nil || !res.Success {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_required",
				"message": "Authentication required",
			})
			return
		}
		if !HasPermission(res.Roles, action) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "permission_denied",
				"message": "Insufficient permissions",
			})
			return
		}
		c.Next()
	}
}

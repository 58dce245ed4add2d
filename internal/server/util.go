package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/loykin/svckeeper/internal/supervisor"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// statusFor maps a supervisor result to an HTTP status. A result that is
// not OK but carries no error (stop with nothing running) is still a 200.
func statusFor(r supervisor.Result) int {
	if r.Err == nil {
		return http.StatusOK
	}
	switch r.Err.Kind {
	case supervisor.KindAlreadyRunning, supervisor.KindMaxRestarts:
		return http.StatusConflict
	case supervisor.KindInvalidConfig:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/brockhager/swarmchat/internal/control"
	"github.com/gin-gonic/gin"
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

type errorResp struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError maps a command failure to an HTTP status.
func writeError(c *gin.Context, err error) {
	code := control.CodeInternal
	var ce *control.CommandError
	if errors.As(err, &ce) {
		code = ce.Code
	}
	status := http.StatusInternalServerError
	switch code {
	case control.CodeAlreadyRunning, control.CodeNotRunning:
		status = http.StatusConflict
	case control.CodeLockFailure:
		status = http.StatusServiceUnavailable
	}
	writeJSON(c, status, errorResp{Error: err.Error(), Code: code})
}

package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/brockhager/swarmchat/internal/events"
	"github.com/gin-gonic/gin"
)

const maxHistoryQuery = 1000

// handleEvents streams events as SSE until the client goes away. Each event
// is named after its topic, e.g. "dendrite-stdout", with the Event as JSON.
func (r *Router) handleEvents(c *gin.Context) {
	if r.bus == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "event stream disabled", Code: "disabled"})
		return
	}
	history := 0
	if s := c.Query("history"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "history must be a non-negative integer", Code: "bad_request"})
			return
		}
		history = min(n, maxHistoryQuery)
	}

	ch, replay, cancel := r.bus.Subscribe(history)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	name := r.ctl.Name()
	send := func(e events.Event) {
		c.SSEvent(e.Kind.Topic(name), e)
		c.Writer.Flush()
	}
	for _, e := range replay {
		send(e)
	}
	c.Writer.Flush()

	ping := time.NewTicker(r.keepAlive)
	defer ping.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			send(e)
		case <-ping.C:
			_, _ = c.Writer.WriteString(": keepalive\n\n")
			c.Writer.Flush()
		}
	}
}

package http

import (
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"segmentd/internal/domain"
	"segmentd/internal/events"
)

type EventResponse struct {
	Type      events.Type   `json:"type"`
	TaskID    string        `json:"task_id"`
	Timestamp string        `json:"timestamp"`
	Task      *TaskResponse `json:"task,omitempty"`
}

// streamEvents relays task lifecycle events as server-sent events until the
// client goes away. ?types=progress,state_changed narrows the stream.
func (h *Handler) streamEvents(c *gin.Context) {
	var types []events.Type
	if raw := c.Query("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, events.Type(t))
			}
		}
	}
	ch, cancel := h.manager.Subscribe(types...)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	done := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-done:
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), eventToResponse(ev))
			return true
		}
	})
}

func eventToResponse(ev events.Event) EventResponse {
	resp := EventResponse{
		Type:      ev.Type,
		TaskID:    ev.TaskID,
		Timestamp: ev.Timestamp.Format(time.RFC3339Nano),
	}
	if task, ok := ev.Data.(domain.Task); ok {
		t := taskToResponse(task)
		resp.Task = &t
	}
	return resp
}

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/queue"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
)

// sseKeepAlive is the comment-frame cadence that defeats idle proxies.
const sseKeepAlive = 25 * time.Second

// HandleSSE streams notifications over Server-Sent Events. SSE clients are
// delivery-only: subscriptions and acks need the WebSocket transport or HTTP
// calls.
func (h *Handlers) HandleSSE(c *gin.Context) {
	claims, ok := h.authenticate(c)
	if !ok {
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, errorBody("streaming_unsupported", "response writer cannot stream"))
		return
	}

	handle, err := h.register(c.Request.Context(), claims)
	if err != nil {
		c.JSON(http.StatusTooManyRequests, errorBody("connection_refused", err.Error()))
		return
	}
	defer h.unregister(handle)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.WithFields(logging.Fields{
		"connection_id": handle.ID,
		"user_id":       handle.UserID,
	}).Info("SSE connected")

	queue.Replay(c.Request.Context(), h.queue, handle.UserID, handle.Send, h.logger)

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	defer h.logger.WithField("connection_id", handle.ID).Info("SSE disconnected")

	for {
		select {
		case <-c.Request.Context().Done():
			handle.Close()
			return
		case <-handle.Done():
			return
		case <-keepAlive.C:
			handle.Touch()
			if _, err := c.Writer.WriteString(": keep-alive\n\n"); err != nil {
				handle.Close()
				return
			}
			flusher.Flush()
		case out := <-handle.Outbound():
			data, err := out.Bytes()
			if err != nil {
				continue
			}
			if err := writeSSEEvent(c, data); err != nil {
				handle.Close()
				return
			}
			handle.Touch()
			flusher.Flush()
		}
	}
}

func writeSSEEvent(c *gin.Context, data []byte) error {
	if _, err := c.Writer.WriteString("data: "); err != nil {
		return err
	}
	if _, err := c.Writer.Write(data); err != nil {
		return err
	}
	_, err := c.Writer.WriteString("\n\n")
	return err
}

package handlers

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/streamchat/internal/httpapi/middleware"
	"github.com/suPer8Hu/streamchat/internal/protocol"
	"github.com/suPer8Hu/streamchat/internal/sse"
)

// Chat relays one chat turn as an SSE stream.
func (h *Handler) Chat(c *gin.Context) {
	var req protocol.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if strings.TrimSpace(req.Message) == "" && len(req.Attachments) == 0 {
		fail(c, http.StatusBadRequest, 10002, "message is required")
		return
	}

	w, err := sse.NewWriter(c.Writer)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50003, "streaming unsupported")
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ctx := c.Request.Context()

	// heartbeat comments keep idle proxies from closing the stream
	hbCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		heartbeat(hbCtx, w, h.Heartbeat)
	}()
	defer func() {
		stop()
		wg.Wait()
	}()

	start := time.Now()
	if err := h.ChatSvc.Relay(ctx, req, w); err != nil {
		h.Log.Warn("relay failed",
			"session_id", req.SessionID,
			"model", req.Model,
			"cost", time.Since(start),
			"request_id", c.GetString(middleware.RequestIDKey),
			"err", err,
		)
		return
	}
	h.Log.Debug("relay done", "model", req.Model, "cost", time.Since(start))
}

func heartbeat(ctx context.Context, w *sse.Writer, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Comment("ping"); err != nil {
				return
			}
		}
	}
}

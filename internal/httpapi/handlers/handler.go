package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/streamchat/internal/chat"
)

const defaultHeartbeat = 15 * time.Second

type Handler struct {
	ChatSvc   *chat.Service
	Log       *slog.Logger
	Heartbeat time.Duration
}

func NewHandler(svc *chat.Service, log *slog.Logger, heartbeat time.Duration) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &Handler{ChatSvc: svc, Log: log, Heartbeat: heartbeat}
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

func (h *Handler) Ping(c *gin.Context) {
	ok(c, gin.H{"pong": true})
}

func (h *Handler) NotFound(c *gin.Context) {
	fail(c, http.StatusNotFound, 40400, "route not found")
}

func (h *Handler) MethodNotAllowed(c *gin.Context) {
	fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
}

package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/streamchat/internal/chat"
	"github.com/suPer8Hu/streamchat/internal/protocol"
)

type createSessionReq struct {
	Title string `json:"title"`
	Model string `json:"model"`
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	sess, err := h.ChatSvc.CreateSession(c.Request.Context(), req.Title, req.Model)
	if err != nil {
		h.Log.Error("create session failed", "err", err)
		fail(c, http.StatusInternalServerError, 50001, "failed to create session")
		return
	}
	ok(c, sess.Summary())
}

func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.ChatSvc.ListSessions(c.Request.Context())
	if err != nil {
		h.Log.Error("list sessions failed", "err", err)
		fail(c, http.StatusInternalServerError, 50002, "failed to list sessions")
		return
	}
	out := make([]protocol.Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	ok(c, out)
}

func (h *Handler) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.ChatSvc.DeleteSession(c.Request.Context(), id); err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			fail(c, http.StatusNotFound, 40401, "session not found")
			return
		}
		h.Log.Error("delete session failed", "session_id", id, "err", err)
		fail(c, http.StatusInternalServerError, 50001, "failed to delete session")
		return
	}
	ok(c, gin.H{"id": id})
}

func (h *Handler) ListMessages(c *gin.Context) {
	id := c.Param("id")
	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			fail(c, http.StatusNotFound, 40401, "session not found")
			return
		}
		h.Log.Error("list messages failed", "session_id", id, "err", err)
		fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}
	out := make([]protocol.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ToProtocol())
	}
	ok(c, out)
}

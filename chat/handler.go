package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"mentora_back/authorization"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type handler struct {
	module *Module
}

// RegisterRoutes mounts the chat endpoints under /chat.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, module *Module) {
	h := &handler{module: module}

	group := router.Group("/chat", guard.RequireAuthenticated())
	group.POST("/ask", h.handleAsk)
	group.GET("/models", h.handleModels)
	group.GET("/conversations", h.handleListConversations)
	group.GET("/conversations/:id/messages", h.handleGetConversation)
	group.DELETE("/conversations/:id", h.handleDeleteConversation)
}

// frameWriter serializes concurrent frame writes onto one SSE response.
type frameWriter struct {
	writer  gin.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

func newFrameWriter(w gin.ResponseWriter, flusher http.Flusher) *frameWriter {
	return &frameWriter{writer: w, flusher: flusher}
}

func (w *frameWriter) Send(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", data); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

func (h *handler) handleAsk(c *gin.Context) {
	userID, ok := authorization.CurrentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	writer := newFrameWriter(c.Writer, flusher)
	// Errors surface to the client as an error frame inside the stream; the
	// return value only matters for request logging.
	_ = h.module.Ask(c.Request.Context(), userID, req, writer.Send)
}

func (h *handler) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": h.module.Models()})
}

func (h *handler) handleListConversations(c *gin.Context) {
	userID, ok := authorization.CurrentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	records, err := h.module.ListConversations(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversations"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversations": records})
}

func (h *handler) handleGetConversation(c *gin.Context) {
	userID, convID, ok := h.ownedConversationID(c)
	if !ok {
		return
	}

	record, messages, err := h.module.GetConversation(c.Request.Context(), userID, convID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation": record, "messages": messages})
}

func (h *handler) handleDeleteConversation(c *gin.Context) {
	userID, convID, ok := h.ownedConversationID(c)
	if !ok {
		return
	}

	if err := h.module.DeleteConversation(c.Request.Context(), userID, convID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete conversation"})
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *handler) ownedConversationID(c *gin.Context) (uint64, uint64, bool) {
	userID, ok := authorization.CurrentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return 0, 0, false
	}

	raw := strings.TrimSpace(c.Param("id"))
	convID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || convID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return 0, 0, false
	}
	return userID, convID, true
}

package knowledge

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"mentora_back/authorization"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type handler struct {
	service *Service
}

// RegisterRoutes mounts the document endpoints under /knowledge. The GET
// endpoints are the authoritative view of ingestion state; push events are
// best-effort on top.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, service *Service) {
	h := &handler{service: service}

	group := router.Group("/knowledge", guard.RequireAuthenticated())
	group.POST("/documents", h.handleCreate)
	group.GET("/documents", h.handleList)
	group.GET("/documents/:id", h.handleGet)
	group.POST("/documents/:id/retry", h.handleRetry)
	group.DELETE("/documents/:id", h.handleDelete)
}

func (h *handler) handleCreate(c *gin.Context) {
	userID, ok := authorization.CurrentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var input DocumentInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	record, err := h.service.CreateDocument(c.Request.Context(), userID, input)
	if err != nil {
		if errors.Is(err, ErrJobInFlight) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, record)
}

func (h *handler) handleList(c *gin.Context) {
	userID, ok := authorization.CurrentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	records, err := h.service.ListDocuments(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load documents"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"documents": records})
}

func (h *handler) handleGet(c *gin.Context) {
	userID, docID, ok := h.ownedDocumentID(c)
	if !ok {
		return
	}

	record, err := h.service.GetDocument(c.Request.Context(), userID, docID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load document"})
		return
	}

	c.JSON(http.StatusOK, record)
}

func (h *handler) handleRetry(c *gin.Context) {
	userID, docID, ok := h.ownedDocumentID(c)
	if !ok {
		return
	}

	record, err := h.service.RetryDocument(c.Request.Context(), userID, docID)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		case errors.Is(err, ErrJobInFlight):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, record)
}

func (h *handler) handleDelete(c *gin.Context) {
	userID, docID, ok := h.ownedDocumentID(c)
	if !ok {
		return
	}

	if err := h.service.DeleteDocument(c.Request.Context(), userID, docID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete document"})
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *handler) ownedDocumentID(c *gin.Context) (uint64, uint64, bool) {
	userID, ok := authorization.CurrentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return 0, 0, false
	}

	raw := strings.TrimSpace(c.Param("id"))
	docID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || docID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return 0, 0, false
	}
	return userID, docID, true
}

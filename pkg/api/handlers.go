package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/models"
)

// createSessionRequest is the body of POST /sessions.
type createSessionRequest struct {
	SessionID string         `json:"session_id"`
	Items     []string       `json:"items"`
	Metadata  map[string]any `json:"metadata"`
}

// createSessionResponse confirms admission.
type createSessionResponse struct {
	SessionID  string               `json:"session_id"`
	TotalItems int                  `json:"total_items"`
	Status     models.SessionStatus `json:"status"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	detail, err := s.orchestrator.StartSession(c.Request.Context(), req.SessionID, req.Items, req.Metadata)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createSessionResponse{
		SessionID:  detail.Session.ID,
		TotalItems: detail.Session.TotalItems,
		Status:     detail.Session.Status,
	})
}

func (s *Server) getSession(c *gin.Context) {
	detail, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) getProgress(c *gin.Context) {
	progress, err := s.store.GetProgress(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (s *Server) cancelSession(c *gin.Context) {
	sessionID := c.Param("id")
	if err := s.orchestrator.CancelSession(c.Request.Context(), sessionID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"status":     models.SessionFailed,
	})
}

func (s *Server) listSessions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	status := models.SessionStatus(c.Query("status"))
	if status != "" && status != models.SessionProcessing &&
		status != models.SessionCompleted && status != models.SessionFailed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status filter"})
		return
	}

	sessions, err := s.store.ListSessions(c.Request.Context(), status, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) getItemProviders(c *gin.Context) {
	itemID, err := strconv.Atoi(c.Param("item_id"))
	if err != nil || itemID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid item_id"})
		return
	}

	records, err := s.store.GetProviderRecords(c.Request.Context(), c.Param("id"), itemID)
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []models.ProviderRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"providers": records})
}

func (s *Server) searchItems(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter q is required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	items, err := s.store.SearchItems(c.Request.Context(), query, c.Query("category"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if items == nil {
		items = []models.MenuItem{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

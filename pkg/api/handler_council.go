package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/quorumlabs/quorum/pkg/config"
	"github.com/quorumlabs/quorum/pkg/council"
	"github.com/quorumlabs/quorum/pkg/models"
)

// AskRequest is the body of POST /api/v1/council/ask.
type AskRequest struct {
	SessionID string           `json:"session_id"`
	Query     string           `json:"query" binding:"required"`
	History   []models.Message `json:"history"`

	CompanyID     string   `json:"company_id"`
	DepartmentIDs []string `json:"department_ids"`
	RoleIDs       []string `json:"role_ids"`
	ProjectID     string   `json:"project_id"`
	PlaybookIDs   []string `json:"playbook_ids"`
	ContextBudget int      `json:"context_budget"`

	Department string            `json:"department"`
	Preset     config.Preset     `json:"preset"`
	Override   *config.LLMParams `json:"override"`
	Modifier   config.Modifier   `json:"modifier"`
}

// TitleRequest is the body of POST /api/v1/council/title.
type TitleRequest struct {
	Query string `json:"query" binding:"required"`
}

// Ask handles POST /api/v1/council/ask. The deliberation streams back
// as SSE, one event per stage event, named by the event's wire tag.
func (s *Server) Ask(c *gin.Context) {
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	events, err := s.pipeline.Ask(c.Request.Context(), council.AskRequest{
		SessionID:     req.SessionID,
		Query:         req.Query,
		History:       req.History,
		CompanyID:     req.CompanyID,
		DepartmentIDs: req.DepartmentIDs,
		RoleIDs:       req.RoleIDs,
		ProjectID:     req.ProjectID,
		PlaybookIDs:   req.PlaybookIDs,
		ContextBudget: req.ContextBudget,
		Department:    req.Department,
		Preset:        req.Preset,
		Override:      req.Override,
		Modifier:      req.Modifier,
	})
	if err != nil {
		if council.IsQueryTooLong(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("Failed to start deliberation", "session_id", req.SessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start deliberation"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	c.Stream(func(w io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent(ev.Type(), ev)
		return true
	})
}

// Title handles POST /api/v1/council/title.
func (s *Server) Title(c *gin.Context) {
	var req TitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	title, err := s.council.GenerateTitle(c.Request.Context(), req.Query)
	if err != nil {
		s.logger.Error("Title generation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate title"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"title": title})
}

package httpapi

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ngmhub/siteledger/internal/models"
)

func (s *Server) handleUploadReceipt(c *gin.Context) {
	projectID := c.PostForm("project")
	if projectID == "" {
		projectID = c.Query("project")
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "multipart field \"file\" is required")
		return
	}
	if fileHeader.Size > s.cfg.MaxUploadBytes {
		writePayloadTooLarge(c, s.cfg.MaxUploadBytes)
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		badRequest(c, "unreadable upload")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, s.cfg.MaxUploadBytes+1))
	if err != nil {
		badRequest(c, "unreadable upload")
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		writePayloadTooLarge(c, s.cfg.MaxUploadBytes)
		return
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	in, err := s.deps.Intakes.Upload(c.Request.Context(), actor(c), projectID,
		fileHeader.Filename, mimeType, data)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"intake_id": in.ID,
		"hash":      in.FileHash,
		"status":    in.Status,
	})
}

func (s *Server) handleListReceipts(c *gin.Context) {
	projectID := c.Query("project")
	if projectID == "" {
		badRequest(c, "query parameter \"project\" is required")
		return
	}
	intakes, err := s.deps.Intakes.List(c.Request.Context(), projectID,
		models.IntakeStatus(c.Query("status")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": intakes})
}

func (s *Server) handleGetReceipt(c *gin.Context) {
	in, err := s.deps.Intakes.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, in)
}

func (s *Server) handleProcessReceipt(c *gin.Context) {
	res, err := s.deps.Intakes.Process(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleLinkReceipt(c *gin.Context) {
	res, err := s.deps.Intakes.Link(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleRejectReceipt(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req) // body optional
	if err := s.deps.Intakes.Reject(c.Request.Context(), actor(c), c.Param("id"), req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReconcileReceipt(c *gin.Context) {
	suggestion, err := s.deps.Reconciler.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if suggestion == nil {
		c.JSON(http.StatusOK, gin.H{"outcome": "agreement"})
		return
	}
	c.JSON(http.StatusOK, suggestion)
}

func (s *Server) handleReceiptSuggestions(c *gin.Context) {
	suggestions, err := s.deps.Reconciler.Suggestions(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": suggestions})
}

func (s *Server) handleAutoAuthRun(c *gin.Context) {
	var req struct {
		Project string `json:"project"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Project == "" {
		badRequest(c, "project is required")
		return
	}
	report, err := s.deps.AutoAuth.Run(c.Request.Context(), req.Project)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"report_id":    report.ID,
		"run_id":       report.RunID,
		"authorized":   report.Authorized,
		"duplicates":   report.Duplicates,
		"missing_info": report.Missing,
		"escalated":    report.Escalated,
	})
}

func (s *Server) handleGetReport(c *gin.Context) {
	report, err := s.deps.AutoAuth.Report(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

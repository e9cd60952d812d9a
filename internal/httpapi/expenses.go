package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/models"
)

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "request body must be JSON with email and password")
		return
	}
	res, err := s.deps.Gate.Login(c.Request.Context(), s.deps.Signer, req.Email, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func expenseFilterFromQuery(c *gin.Context) models.ExpenseFilter {
	return models.ExpenseFilter{
		ProjectID: c.Query("project"),
		DateFrom:  c.Query("from"),
		DateTo:    c.Query("to"),
		Status:    models.ExpenseStatus(c.Query("status")),
		VendorID:  c.Query("vendor"),
		AccountID: c.Query("account"),
	}
}

func (s *Server) handleListExpenses(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "50"))

	result, err := s.deps.Expenses.List(c.Request.Context(), expenseFilterFromQuery(c), page, size)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleExpenseSummary(c *gin.Context) {
	groupBy := c.DefaultQuery("group_by", "project")
	rows, err := s.deps.Expenses.Summary(c.Request.Context(), expenseFilterFromQuery(c), groupBy)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group_by": groupBy, "rows": rows})
}

func (s *Server) handleExpenseExport(c *gin.Context) {
	data, filename, err := s.deps.Exporter.Expenses(c.Request.Context(), expenseFilterFromQuery(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

func (s *Server) handleCreateExpense(c *gin.Context) {
	var e models.Expense
	if err := c.ShouldBindJSON(&e); err != nil {
		badRequest(c, "invalid expense body: "+err.Error())
		return
	}
	if err := s.deps.Expenses.Create(c.Request.Context(), actor(c), &e); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": e.ID, "version_token": e.VersionToken})
}

func (s *Server) handleBatchCreateExpenses(c *gin.Context) {
	var req struct {
		IdempotencyKey string            `json:"idempotency_key"`
		Items          []*models.Expense `json:"items"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid batch body: "+err.Error())
		return
	}
	if key := c.GetHeader("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	if req.IdempotencyKey == "" {
		badRequest(c, "idempotency_key is required for batch creation")
		return
	}
	ids, err := s.deps.Expenses.BatchCreate(c.Request.Context(), actor(c), req.IdempotencyKey, req.Items)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ids": ids})
}

func (s *Server) handleGetExpense(c *gin.Context) {
	e, err := s.deps.Expenses.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) handlePatchExpense(c *gin.Context) {
	var patch models.ExpensePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, "invalid patch body: "+err.Error())
		return
	}
	e, err := s.deps.Expenses.Update(c.Request.Context(), actor(c), c.Param("id"), patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": e.ID, "version_token": e.VersionToken})
}

func (s *Server) handleDeleteExpense(c *gin.Context) {
	var req struct {
		Reason       string `json:"reason"`
		VersionToken string `json:"version_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "reason and version_token are required")
		return
	}
	if err := s.deps.Expenses.SoftDelete(c.Request.Context(), actor(c), c.Param("id"), req.Reason, req.VersionToken); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleExpenseStatus(c *gin.Context) {
	var req struct {
		Status       string `json:"status"`
		Reason       string `json:"reason"`
		VersionToken string `json:"version_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid status body: "+err.Error())
		return
	}
	id := c.Param("id")
	e, err := s.deps.Expenses.Transition(c.Request.Context(), actor(c), id,
		models.ExpenseStatus(req.Status), req.Reason, req.VersionToken)
	if err != nil {
		writeError(c, err)
		return
	}

	// A human changing a row the rule engine decided on is an override
	// worth keeping for rule accuracy review. Best effort.
	if err := s.deps.AutoAuth.RecordOverride(c.Request.Context(), id, req.Status, actor(c)); err != nil {
		s.logger.Warn("failed to record authorization override",
			zap.String("expense_id", id), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"id": e.ID, "status": e.Status, "version_token": e.VersionToken})
}

func (s *Server) handleExpenseHistory(c *gin.Context) {
	id := c.Param("id")
	changes, err := s.deps.Expenses.ChangeLog(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	statuses, err := s.deps.Expenses.StatusLog(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes, "status_changes": statuses})
}

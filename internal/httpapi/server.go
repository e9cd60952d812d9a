// Package httpapi is the HTTP adapter: it translates requests into
// service calls and errors into the {error_kind, message, details}
// envelope. No business rules live here.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/agents"
	"github.com/ngmhub/siteledger/internal/auth"
	"github.com/ngmhub/siteledger/internal/models"
)

// Config holds the listener settings.
type Config struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxUploadBytes int64
}

// The service slices the handlers call. Consumers declare what they
// need so tests can stand in lightweight fakes.

type expenseAPI interface {
	Get(ctx context.Context, id string) (*models.Expense, error)
	Create(ctx context.Context, actor string, e *models.Expense) error
	Update(ctx context.Context, actor, id string, patch models.ExpensePatch) (*models.Expense, error)
	Transition(ctx context.Context, actor, id string, to models.ExpenseStatus, reason, versionToken string) (*models.Expense, error)
	SoftDelete(ctx context.Context, actor, id, reason, versionToken string) error
	List(ctx context.Context, filter models.ExpenseFilter, page, size int) (*models.ExpensePage, error)
	BatchCreate(ctx context.Context, actor, idempotencyKey string, expenses []*models.Expense) ([]string, error)
	Summary(ctx context.Context, filter models.ExpenseFilter, groupBy string) ([]models.SummaryRow, error)
	ChangeLog(ctx context.Context, id string) ([]models.ChangeLogRow, error)
	StatusLog(ctx context.Context, id string) ([]models.StatusLogRow, error)
}

type intakeAPI interface {
	Upload(ctx context.Context, actor, projectID, filename, mimeType string, data []byte) (*models.ReceiptIntake, error)
	Process(ctx context.Context, id string) (*models.ProcessResult, error)
	Link(ctx context.Context, actor, id string) (*models.ProcessResult, error)
	Reject(ctx context.Context, actor, id, reason string) error
	Get(ctx context.Context, id string) (*models.ReceiptIntake, error)
	List(ctx context.Context, projectID string, status models.IntakeStatus) ([]*models.ReceiptIntake, error)
}

type autoauthAPI interface {
	Run(ctx context.Context, projectID string) (*models.AuthReport, error)
	Report(ctx context.Context, reportID string) (*models.AuthReport, error)
	RecordOverride(ctx context.Context, expenseID, newStatus, actor string) error
}

type reconcileAPI interface {
	Reconcile(ctx context.Context, intakeID string) (*models.ReconcileSuggestion, error)
	Suggestions(ctx context.Context, intakeID string) ([]models.ReconcileSuggestion, error)
}

type messagingAPI interface {
	Post(ctx context.Context, msg *models.Message) (*models.Message, error)
	History(ctx context.Context, channelKey string, limit int) ([]*models.Message, error)
	Thread(ctx context.Context, parentID string) ([]*models.Message, error)
	Delete(ctx context.Context, actor, id string) error
	React(ctx context.Context, userID, messageID, emoji string) error
	Unreact(ctx context.Context, userID, messageID, emoji string) error
	Reactions(ctx context.Context, messageID string) ([]models.Reaction, error)
	MarkRead(ctx context.Context, userID, channelKey string) error
	UnreadCounts(ctx context.Context, userID string) ([]models.UnreadCount, error)
	UnreadMentions(ctx context.Context, userID string) ([]models.Mention, error)
}

type dispatcherAPI interface {
	Dispatch(ctx context.Context, ev agents.Event) (*models.Message, error)
}

type exportAPI interface {
	Expenses(ctx context.Context, filter models.ExpenseFilter) ([]byte, string, error)
}

// Deps bundles everything the server serves.
type Deps struct {
	Gate       *auth.Gate
	Signer     *auth.TokenSigner
	Expenses   expenseAPI
	Intakes    intakeAPI
	AutoAuth   autoauthAPI
	Reconciler reconcileAPI
	Messages   messagingAPI
	Dispatcher dispatcherAPI
	Exporter   exportAPI
	Metrics    *Metrics
}

// Server is the HTTP adapter.
type Server struct {
	cfg        Config
	deps       Deps
	logger     *zap.Logger
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer builds the router. Call Start to begin serving.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 20 << 20
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		router: gin.New(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(corsMiddleware())
	if s.deps.Metrics != nil {
		s.router.Use(s.deps.Metrics.middleware())
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		s.logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}
	s.router.POST("/auth/login", s.handleLogin)

	api := s.router.Group("/", s.authMiddleware())
	{
		api.GET("/expenses", s.handleListExpenses)
		api.GET("/expenses/summary", s.handleExpenseSummary)
		api.GET("/expenses/export", s.handleExpenseExport)
		api.POST("/expenses", s.handleCreateExpense)
		api.POST("/expenses/batch", s.handleBatchCreateExpenses)
		api.GET("/expenses/:id", s.handleGetExpense)
		api.PATCH("/expenses/:id", s.handlePatchExpense)
		api.DELETE("/expenses/:id", s.handleDeleteExpense)
		api.POST("/expenses/:id/status", s.handleExpenseStatus)
		api.GET("/expenses/:id/history", s.handleExpenseHistory)

		api.POST("/receipts", s.handleUploadReceipt)
		api.GET("/receipts", s.handleListReceipts)
		api.GET("/receipts/:id", s.handleGetReceipt)
		api.POST("/receipts/:id/process", s.handleProcessReceipt)
		api.POST("/receipts/:id/link", s.handleLinkReceipt)
		api.POST("/receipts/:id/reject", s.handleRejectReceipt)
		api.POST("/receipts/:id/reconcile", s.handleReconcileReceipt)
		api.GET("/receipts/:id/suggestions", s.handleReceiptSuggestions)

		api.POST("/autoauth/run", s.handleAutoAuthRun)
		api.GET("/reports/:id", s.handleGetReport)

		api.POST("/messages", s.handlePostMessage)
		api.GET("/messages", s.handleListMessages)
		api.GET("/messages/unread_counts", s.handleUnreadCounts)
		api.GET("/messages/unread_mentions", s.handleUnreadMentions)
		api.GET("/messages/:id/thread", s.handleThread)
		api.DELETE("/messages/:id", s.handleDeleteMessage)
		api.POST("/messages/:id/reactions", s.handleReact)
		api.GET("/messages/:id/reactions", s.handleReactions)
		api.DELETE("/messages/:id/reactions/:emoji", s.handleUnreact)
		api.POST("/channels/read", s.handleMarkRead)

		api.POST("/agents/events", s.handleAgentEvent)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// Start serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("http server starting", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errCh:
		return err
	}
}

// Stop drains the server with a 10s deadline.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

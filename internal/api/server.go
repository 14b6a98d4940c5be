package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/inbox-sync/internal/eventstore/sqlite"
	"github.com/Martian-dev/inbox-sync/internal/providers"
	"github.com/Martian-dev/inbox-sync/internal/sync"
)

// Catalog answers provider questions without touching accounts
type Catalog interface {
	GetCapabilities(providerType string) sync.Capabilities
	GetSyncStrategy(providerType string, messageVolume int) sync.Recommendation
	ValidateProviderConfig(providerType string, account sync.Account) providers.ValidationResult
}

// MessageReader is the read side of the event store
type MessageReader interface {
	ListMessages(ctx context.Context, accountID string, limit int) ([]sync.NormalizedMessage, error)
	SyncState(ctx context.Context, accountID string) (*sqlite.SyncState, error)
}

// Server is the admin HTTP surface
type Server struct {
	catalog  Catalog
	manager  *sync.Manager
	messages MessageReader
	verifier Verifier
	logger   *slog.Logger
	// ctx parents the sync loops started over HTTP.
	ctx context.Context
}

// New creates a server. ctx bounds every sync loop started through it.
func New(ctx context.Context, catalog Catalog, manager *sync.Manager, messages MessageReader, verifier Verifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		catalog:  catalog,
		manager:  manager,
		messages: messages,
		verifier: verifier,
		logger:   logger.With("component", "api"),
		ctx:      ctx,
	}
}

// Handler builds the gin engine
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "running": len(s.manager.GetRunningSyncs())})
	})

	api := r.Group("/api")
	api.Use(authMiddleware(s.verifier, s.logger))

	api.GET("/providers/:type/capabilities", s.capabilities)
	api.GET("/providers/:type/strategy", s.strategy)
	api.POST("/providers/:type/validate", s.validate)

	api.GET("/accounts", s.listAccounts)
	api.GET("/accounts/:id/state", s.accountState)
	api.GET("/accounts/:id/messages", s.listMessages)
	api.POST("/accounts/:id/test", s.testConnection)
	api.POST("/accounts/:id/sync", s.syncNow)
	api.POST("/accounts/:id/sync/start", s.startSync)
	api.POST("/accounts/:id/sync/stop", s.stopSync)
	api.POST("/accounts/:id/messages/:mid/read", s.markRead(true))
	api.POST("/accounts/:id/messages/:mid/unread", s.markRead(false))

	api.GET("/syncs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"running": s.manager.GetRunningSyncs()})
	})

	return r
}

func (s *Server) capabilities(c *gin.Context) {
	c.JSON(http.StatusOK, s.catalog.GetCapabilities(c.Param("type")))
}

func (s *Server) strategy(c *gin.Context) {
	volume, err := strconv.Atoi(c.DefaultQuery("volume", "0"))
	if err != nil || volume < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "volume must be a non-negative integer"})
		return
	}
	c.JSON(http.StatusOK, s.catalog.GetSyncStrategy(c.Param("type"), volume))
}

func (s *Server) validate(c *gin.Context) {
	var account sync.Account
	if err := c.ShouldBindJSON(&account); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.catalog.ValidateProviderConfig(c.Param("type"), account))
}

type accountView struct {
	ID           string `json:"id"`
	ProviderType string `json:"provider_type"`
	Email        string `json:"email"`
	Running      bool   `json:"running"`
}

func (s *Server) listAccounts(c *gin.Context) {
	accounts := s.manager.Accounts()
	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountView{
			ID:           a.ID,
			ProviderType: a.ProviderType,
			Email:        a.Email,
			Running:      s.manager.IsRunning(a.ID),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) accountState(c *gin.Context) {
	st, err := s.messages.SyncState(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) listMessages(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
		return
	}
	msgs, err := s.messages.ListMessages(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) testConnection(c *gin.Context) {
	account, err := s.manager.Account(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.manager.Runner().TestConnection(c.Request.Context(), account))
}

func (s *Server) syncNow(c *gin.Context) {
	account, err := s.manager.Account(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	report, err := s.manager.Runner().SyncOnce(c.Request.Context(), account)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) startSync(c *gin.Context) {
	if err := s.manager.StartSync(s.ctx, c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (s *Server) stopSync(c *gin.Context) {
	if err := s.manager.StopSync(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) markRead(read bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := s.manager.Account(c.Param("id"))
		if err != nil {
			s.fail(c, err)
			return
		}
		ok, err := s.manager.Runner().SetReadState(c.Request.Context(), account, c.Param("mid"), read)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": ok})
	}
}

// fail maps sync errors onto HTTP status codes.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sync.ErrUnknownAccount), errors.Is(err, sqlite.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, sync.ErrAlreadyRunning), errors.Is(err, sync.ErrNotRunning):
		status = http.StatusConflict
	case sync.IsCapabilityError(err), sync.IsUnsupportedProvider(err):
		status = http.StatusUnprocessableEntity
	case sync.IsConfigurationError(err):
		status = http.StatusBadRequest
	case sync.IsAuthenticationError(err), sync.IsDecryptionError(err), sync.IsTransportError(err):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

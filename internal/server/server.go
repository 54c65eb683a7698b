package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"compass/internal/agent"
	"compass/internal/config"
	"compass/internal/errors"
	"compass/internal/logging"
	"compass/internal/session"
	"compass/internal/task"
	"compass/internal/tools"
)

// Server exposes the conversation and task APIs over HTTP. Identity comes
// from the X-User-ID and X-User-Role headers; an upstream gateway is
// expected to authenticate and set them.
type Server struct {
	engine   *agent.Engine
	sessions session.Store
	tasks    task.Store
	registry *tools.Registry
	logger   logging.Logger
	httpSrv  *http.Server
}

// New constructs the server.
func New(cfg config.ServerConfig, engine *agent.Engine, sessions session.Store, tasks task.Store, registry *tools.Registry) *Server {
	s := &Server{
		engine:   engine,
		sessions: sessions,
		tasks:    tasks,
		registry: registry,
		logger:   logging.NewComponentLogger("HTTPServer"),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the gin handler. Exposed separately so tests can drive it
// through httptest without binding a port.
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api", s.requireIdentity)
	{
		api.GET("/tools", s.handleListTools)

		api.POST("/sessions", s.handleCreateSession)
		api.GET("/sessions", s.handleListSessions)
		api.GET("/sessions/:id", s.handleGetSession)
		api.DELETE("/sessions/:id", s.handleArchiveSession)
		api.POST("/sessions/:id/messages", s.handleSendMessage)
		api.GET("/sessions/:id/tasks", s.handleListSessionTasks)

		api.POST("/tasks", s.handleCreateTask)
		api.GET("/tasks/:id", s.handleGetTask)
		api.POST("/tasks/:id/cancel", s.handleCancelTask)
	}

	return r
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening on %s", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// requireIdentity rejects requests without a user identity and defaults the
// role to the least privileged one.
func (s *Server) requireIdentity(c *gin.Context) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "X-User-ID header required"})
		return
	}
	role := c.GetHeader("X-User-Role")
	if role == "" {
		role = tools.RoleAuditor
	}
	c.Set("user_id", userID)
	c.Set("role", role)
	c.Next()
}

func identity(c *gin.Context) (userID, role string) {
	return c.GetString("user_id"), c.GetString("role")
}

func (s *Server) handleListTools(c *gin.Context) {
	_, role := identity(c)
	c.JSON(http.StatusOK, gin.H{"tools": s.registry.ListFor(role)})
}

type createSessionRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	userID, _ := identity(c)

	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	sess, err := s.sessions.Create(c.Request.Context(), req.SessionID, userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleListSessions(c *gin.Context) {
	userID, _ := identity(c)
	ids, err := s.sessions.List(c.Request.Context(), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": ids})
}

func (s *Server) handleGetSession(c *gin.Context) {
	userID, _ := identity(c)
	sess, err := s.sessions.Get(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleArchiveSession(c *gin.Context) {
	userID, _ := identity(c)
	if err := s.sessions.Archive(c.Request.Context(), c.Param("id"), userID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "archived"})
}

type sendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

func (s *Server) handleSendMessage(c *gin.Context) {
	userID, role := identity(c)

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	reply, err := s.engine.HandleMessage(c.Request.Context(), c.Param("id"), userID, role, req.Content)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

func (s *Server) handleListSessionTasks(c *gin.Context) {
	userID, _ := identity(c)

	// Ownership check first: task listings must not leak across users.
	if _, err := s.sessions.Get(c.Request.Context(), c.Param("id"), userID); err != nil {
		s.writeError(c, err)
		return
	}

	list, err := s.tasks.ListBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": list})
}

type createTaskRequest struct {
	SessionID string          `json:"session_id"`
	Type      string          `json:"type" binding:"required"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Server) handleCreateTask(c *gin.Context) {
	userID, role := identity(c)

	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type is required"})
		return
	}

	// A session-bound task belongs to that session's owner.
	if req.SessionID != "" {
		if _, err := s.sessions.Get(c.Request.Context(), req.SessionID, userID); err != nil {
			s.writeError(c, err)
			return
		}
	}

	// Direct task creation honors the same gates as the agent loop: the
	// task type maps to a tool the role must be allowed to use, and the
	// payload must satisfy its schema before a row is written.
	var args map[string]any
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &args); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "payload must be a JSON object"})
			return
		}
	}
	if err := s.registry.Validate(req.Type, role, args); err != nil {
		s.writeError(c, err)
		return
	}

	created, err := s.tasks.Create(c.Request.Context(), &task.Task{
		SessionID: req.SessionID,
		Type:      req.Type,
		Payload:   req.Payload,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleGetTask(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}

	found, err := s.tasks.Get(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !s.authorizeTask(c, found) {
		return
	}
	c.JSON(http.StatusOK, found)
}

func (s *Server) handleCancelTask(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}

	found, err := s.tasks.Get(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !s.authorizeTask(c, found) {
		return
	}

	cancelled, err := s.tasks.Cancel(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cancelled)
}

// authorizeTask gates session-bound tasks by session ownership. Tasks
// enqueued outside a conversation carry no owner and stay open to any
// authenticated caller.
func (s *Server) authorizeTask(c *gin.Context, t *task.Task) bool {
	if t.SessionID == "" {
		return true
	}
	userID, _ := identity(c)
	if _, err := s.sessions.Get(c.Request.Context(), t.SessionID, userID); err != nil {
		s.writeError(c, err)
		return false
	}
	return true
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.IsAccessDenied(err), errors.IsPermission(err):
		status = http.StatusForbidden
	case errors.IsValidation(err):
		status = http.StatusBadRequest
	case errors.IsDuplicateSession(err):
		status = http.StatusConflict
	case errors.IsIterationCap(err):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

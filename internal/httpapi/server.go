// Package httpapi is the thin HTTP front door: a generic admin surface
// exposing submit/wait/cancel/status over REST, a live event stream over
// websocket, and /metrics + /healthz for operators, per §6.2's External
// Channel contract.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"swarmcore/internal/board"
	"swarmcore/internal/logging"
	"swarmcore/internal/metrics"
	"swarmcore/internal/modelclient"
	"swarmcore/internal/orchestrator"
)

// Config controls CORS and server-level tunables.
type Config struct {
	AllowedOrigins []string
	WaitTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 600 * time.Second
	}
	return c
}

// Server wires the Orchestrator and Board behind gin handlers.
type Server struct {
	orch   *orchestrator.Orchestrator
	board  *board.Board
	model  *modelclient.Client
	cfg    Config
	log    logging.Logger
	engine *gin.Engine
}

// New builds a Server and its gin engine. Call Handler to obtain the
// http.Handler for use with http.Server. model may be nil, in which case
// the /api/providers surface reports an empty provider list.
func New(orch *orchestrator.Orchestrator, b *board.Board, model *modelclient.Client, cfg Config) *Server {
	s := &Server{
		orch:  orch,
		board: b,
		model: model,
		cfg:   cfg.withDefaults(),
		log:   logging.Get("httpapi"),
	}
	s.engine = s.buildEngine()
	return s
}

// Handler returns the assembled http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) buildEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: s.cfg.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
	}))

	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	api.POST("/tasks", s.handleSubmit)
	api.GET("/tasks/:task_id", s.handleStatus)
	api.POST("/tasks/:task_id/wait", s.handleWait)
	api.POST("/tasks/:task_id/cancel", s.handleCancel)
	api.GET("/tasks/:task_id/events", s.handleEvents)
	api.GET("/providers", s.handleProviders)
	api.POST("/providers/:name/reset", s.handleProviderReset)

	return r
}

// providerStatus is the wire shape for one entry of GET /api/providers.
type providerStatus struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	SuccessCount    int    `json:"success_count"`
	LastFailureTime string `json:"last_failure_time,omitempty"`
	LastStateChange string `json:"last_state_change,omitempty"`
}

func (s *Server) handleProviders(c *gin.Context) {
	if s.model == nil {
		c.JSON(http.StatusOK, gin.H{"providers": []providerStatus{}})
		return
	}
	metrics := s.model.Router().ProviderMetrics()
	out := make([]providerStatus, 0, len(metrics))
	for _, m := range metrics {
		ps := providerStatus{
			Name:         m.Name,
			State:        m.State.String(),
			FailureCount: m.FailureCount,
			SuccessCount: m.SuccessCount,
		}
		if !m.LastFailureTime.IsZero() {
			ps.LastFailureTime = m.LastFailureTime.Format(time.RFC3339)
		}
		if !m.LastStateChange.IsZero() {
			ps.LastStateChange = m.LastStateChange.Format(time.RFC3339)
		}
		out = append(out, ps)
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}

func (s *Server) handleProviderReset(c *gin.Context) {
	if s.model == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no model client configured"})
		return
	}
	name := c.Param("name")
	if !s.model.Router().ResetProvider(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no provider registered as " + name})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "state": "closed"})
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// submitRequest is the body of POST /api/tasks.
type submitRequest struct {
	Text    string `json:"text" binding:"required"`
	Channel string `json:"channel,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	taskID, err := s.orch.Submit(c.Request.Context(), req.Text, board.Source{
		Channel: req.Channel,
		ChatID:  req.ChatID,
		UserID:  req.UserID,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "status": "pending"})
}

func (s *Server) handleStatus(c *gin.Context) {
	taskID := c.Param("task_id")
	t, err := s.board.Get(c.Request.Context(), taskID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, taskStatusResponse(t))
}

// waitRequest is the body of POST /api/tasks/{id}/wait.
type waitRequest struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

func (s *Server) handleWait(c *gin.Context) {
	taskID := c.Param("task_id")
	var req waitRequest
	_ = c.ShouldBindJSON(&req)

	timeout := s.cfg.WaitTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	result, err := s.orch.Wait(c.Request.Context(), taskID, timeout, nil)
	if err != nil {
		t, getErr := s.board.Get(c.Request.Context(), taskID)
		if getErr == nil {
			c.JSON(http.StatusOK, taskStatusResponse(t))
			return
		}
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "status": "completed", "result": result})
}

func (s *Server) handleCancel(c *gin.Context) {
	taskID := c.Param("task_id")
	if err := s.orch.Cancel(c.Request.Context(), taskID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "status": "cancelled"})
}

type taskStatus struct {
	TaskID      string `json:"task_id"`
	Status      string `json:"status"`
	RequiredRole string `json:"required_role,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	Result      string `json:"result,omitempty"`
}

func taskStatusResponse(t *board.Task) taskStatus {
	return taskStatus{
		TaskID:       t.ID,
		Status:       string(t.Status),
		RequiredRole: t.RequiredRole,
		AgentID:      t.AgentID,
		Result:       t.Result,
	}
}

// shutdownTimeout bounds graceful shutdown of the underlying http.Server.
const shutdownTimeout = 5 * time.Second

// Shutdown gracefully stops an *http.Server built around this Handler.
func Shutdown(ctx context.Context, srv *http.Server) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

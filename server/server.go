// Package server exposes the workflow engine over HTTP: the project message
// endpoint, the health check, remote service callbacks, backend operations,
// and the development tooling surface.
package server

import (
	"fmt"
	"io"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/waypointhq/waypoint/core"
	"github.com/waypointhq/waypoint/engine"
	"github.com/waypointhq/waypoint/logging"
)

// APIKeyHeader authenticates workflow event requests.
const APIKeyHeader = "X-WAYPOINT-API-KEY"

// Config carries the server's slice of the runtime configuration.
type Config struct {
	ProjectName      string
	ProjectAccessKey string
	// Behaviour is the default graph name used when a load operation does
	// not name one.
	Behaviour string
	Port      int

	SkipAuth                bool
	DevMode                 bool
	BackendOperationEnabled bool
	SystemAdminKey          string
}

// Server wires the engine onto a gin router.
type Server struct {
	cfg    Config
	engine *engine.Engine
	logger logging.Logger

	// devStream is the single parked development stream, fetched and
	// cleared through GET /dev/stream.
	mu        sync.Mutex
	devStream *core.DataStream
}

// New builds a server around the engine.
func New(cfg Config, eng *engine.Engine, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Server{cfg: cfg, engine: eng, logger: logger}
}

// Router assembles the HTTP routes.
func (s *Server) Router() *gin.Engine {
	if !s.cfg.DevMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthcheck", s.handleHealthCheck)
	r.POST("/:project/message", s.requireAPIKey, s.handleMessage)
	r.POST("/remote_callback", s.handleRemoteCallback)
	r.POST("/backend_operation", s.handleBackendOperation)

	if s.cfg.DevMode {
		r.POST("/codeupdate", s.handleCodeUpdate)
		r.GET("/dev/stream", s.handleDevStream)
	}
	return r
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	return s.Router().Run(addr)
}

func (s *Server) requireAPIKey(c *gin.Context) {
	if s.cfg.SkipAuth {
		return
	}
	if c.GetHeader(APIKeyHeader) != s.cfg.ProjectAccessKey {
		c.AbortWithStatusJSON(401, gin.H{"status": "failed", "message": "Unauthorised access."})
	}
}

func (s *Server) handleHealthCheck(c *gin.Context) {
	c.JSON(200, gin.H{"status": "success", "result": "Welcome to the HealthCheck Service!"})
}

func (s *Server) handleMessage(c *gin.Context) {
	var ev engine.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(400, gin.H{"status": "failed", "message": "invalid payload."})
		return
	}

	resp := s.engine.HandleEvent(ev)
	s.writeResponse(c, resp)
}

// writeResponse renders an engine response: JSON for plain turns, SSE for
// streamed ones. In development mode a streamed turn is parked on the dev
// stream slot instead and the client is pointed at its endpoint.
func (s *Server) writeResponse(c *gin.Context, resp *core.Response) {
	if !resp.IsStream() {
		c.JSON(resp.Code, resp.Body())
		return
	}

	if s.cfg.DevMode {
		s.mu.Lock()
		if s.devStream != nil {
			s.logger.Warn("replacing an unconsumed dev stream")
		}
		s.devStream = resp.Stream
		s.mu.Unlock()

		c.JSON(200, gin.H{
			"status":          resp.Status,
			"activity_id":     resp.ActivityID,
			"stream_endpoint": fmt.Sprintf("http://localhost:%d/dev/stream", s.cfg.Port),
		})
		return
	}

	s.streamSSE(c, resp.Stream, resp.Headers)
}

func (s *Server) streamSSE(c *gin.Context, stream *core.DataStream, headers map[string]string) {
	ch, err := stream.Consume()
	if err != nil {
		s.logger.Error("response stream already consumed", "error", err)
		c.JSON(500, gin.H{"status": "failed", "message": "stream no longer available."})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("X-Accel-Buffering", "no")
	for k, v := range headers {
		c.Header(k, v)
	}
	c.Status(200)
	c.Stream(func(w io.Writer) bool {
		chunk, open := <-ch
		if !open {
			return false
		}
		_, _ = io.WriteString(w, core.SSELine(chunk))
		return true
	})
}

type remoteCallbackPayload struct {
	Success   bool   `json:"success"`
	AccessKey string `json:"access_key"`
	UID       string `json:"uid"`
	Method    string `json:"method"`
	Data      any    `json:"data"`
}

func (s *Server) handleRemoteCallback(c *gin.Context) {
	var payload remoteCallbackPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(400, gin.H{"status": "failed", "message": "invalid payload."})
		return
	}

	member, ok := s.engine.GetMember(payload.UID)
	if !ok {
		c.JSON(400, gin.H{
			"status":  "failed",
			"message": fmt.Sprintf("Unknown uid %s for remote callback.", payload.UID),
		})
		return
	}
	if !member.CheckRemoteCallbackAccess(payload.AccessKey) {
		c.JSON(400, gin.H{"status": "failed", "message": "Invalid authorisation for remote callback."})
		return
	}

	if payload.Success {
		member.ProcessRemoteCallback(payload.Method, callbackData(payload.Data), true)
	}
	c.JSON(200, gin.H{"status": "success"})
}

// callbackData normalizes the method-specific payload, which may arrive as a
// bare string.
func callbackData(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case string:
		return map[string]any{"data": t}
	default:
		return map[string]any{}
	}
}

type backendOperationPayload struct {
	AdminKey string `json:"admin_key"`
	Command  string `json:"command"`
	Value    any    `json:"value"`
}

func (s *Server) handleBackendOperation(c *gin.Context) {
	if !s.cfg.BackendOperationEnabled {
		c.JSON(404, gin.H{"status": "failed", "message": "not found."})
		return
	}
	if s.cfg.SystemAdminKey == "" {
		c.JSON(400, gin.H{
			"status":  "failed",
			"message": "Missing system admin configuration, this webhook is disabled.",
		})
		return
	}

	var payload backendOperationPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(400, gin.H{"status": "failed", "message": "invalid payload."})
		return
	}
	if payload.AdminKey != s.cfg.SystemAdminKey {
		c.JSON(400, gin.H{"status": "failed", "message": "Invalid authorisation."})
		return
	}

	switch payload.Command {
	case "load":
		behaviour := s.cfg.Behaviour
		if v, ok := payload.Value.(string); ok && v != "" {
			behaviour = v
		}
		mesg := s.engine.ReloadBehaviours(c.Request.Context(), behaviour)
		c.JSON(200, gin.H{"status": "success", "message": mesg})
	default:
		c.JSON(400, gin.H{"status": "failed", "message": "unknown command."})
	}
}

type codeUpdatePayload struct {
	JSONCode string `json:"jsonCode"`
	XMLCode  string `json:"xmlCode"`
	ToSave   bool   `json:"toSave"`
}

func (s *Server) handleCodeUpdate(c *gin.Context) {
	var payload codeUpdatePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(400, gin.H{"status": "failed", "message": "invalid payload."})
		return
	}
	resp := s.engine.CodeUpdate([]byte(payload.JSONCode))
	c.JSON(resp.Code, resp.Body())
}

func (s *Server) handleDevStream(c *gin.Context) {
	s.mu.Lock()
	stream := s.devStream
	s.devStream = nil
	s.mu.Unlock()

	if stream == nil {
		c.JSON(404, gin.H{"status": "failed", "message": "No stream data available."})
		return
	}
	s.streamSSE(c, stream, nil)
}

// RemoteCallbackURL derives the callback URL advertised to behaviour
// scripts under the REMOTE_CALLBACK_URL knowledge key.
func RemoteCallbackURL(override string, port int) string {
	if override != "" {
		return override + "/remote_callback"
	}
	return fmt.Sprintf("http://127.0.0.1:%d/remote_callback", port)
}

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/svckeeper/internal/auth"
	"github.com/loykin/svckeeper/internal/history"
	"github.com/loykin/svckeeper/internal/metrics"
	"github.com/loykin/svckeeper/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
)

// Router provides embeddable HTTP handlers for controlling one supervised
// service.
// Endpoints (relative to basePath):
//
//	GET  /status             current ProcessInfo
//	POST /start              start; 409 when already running
//	POST /stop               stop; ok=false when nothing is running
//	POST /restart            stop, wait, start
//	GET  /config             effective ServiceConfig
//	PUT  /config             body: ConfigUpdate
//	POST /restarts/reset     clear the unexpected-exit counter
//	GET  /events             server-sent phase events
//	GET  /history?limit=N    recent lifecycle records
//	GET  /resources          CPU and memory of the service tree
//	POST /auth/login         exchange credentials for a token
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl         Controller
	basePath    string
	auth        *auth.Service
	mw          *auth.Middleware
	history     HistoryReader
	gatherer    prometheus.Gatherer
	metricsPath string
}

// Controller is the supervisor surface the router drives.
type Controller interface {
	Name() string
	Start() supervisor.Result
	Stop() supervisor.Result
	Restart() supervisor.Result
	Status() supervisor.ProcessInfo
	Config() supervisor.ServiceConfig
	UpdateConfig(supervisor.ConfigUpdate) supervisor.Result
	ResetRestarts()
	Subscribe(buffer int) (<-chan supervisor.Event, func())
	Resources() (metrics.Usage, error)
}

// HistoryReader serves /history. *history.Recorder satisfies it.
type HistoryReader interface {
	Recent(ctx context.Context, name string, limit int) ([]history.Event, bool, error)
}

type Option func(*Router)

// WithAuth protects every route except login. A nil service leaves the API open.
func WithAuth(svc *auth.Service) Option {
	return func(r *Router) {
		r.auth = svc
		r.mw = auth.NewMiddleware(svc)
	}
}

func WithHistory(h HistoryReader) Option {
	return func(r *Router) { r.history = h }
}

// WithMetrics serves g at path, outside basePath and without auth.
func WithMetrics(g prometheus.Gatherer, path string) Option {
	return func(r *Router) {
		r.gatherer = g
		r.metricsPath = path
	}
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/start, /api/stop, /api/status.
func NewRouter(ctl Controller, basePath string, opts ...Option) *Router {
	r := &Router{ctl: ctl, basePath: sanitizeBase(basePath), mw: auth.NewMiddleware(nil)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.gatherer != nil {
		p := r.metricsPath
		if p == "" {
			p = "/metrics"
		}
		g.GET(p, gin.WrapH(metrics.HandlerFor(r.gatherer)))
	}

	group := g.Group(r.basePath)
	if r.auth != nil {
		group.POST("/auth/login", r.handleLogin)
	}

	api := group.Group("", r.mw.GinAuth())
	read := r.mw.GinRequire(auth.ActionRead)
	write := r.mw.GinRequire(auth.ActionWrite)

	api.GET("/status", read, r.handleStatus)
	api.GET("/config", read, r.handleGetConfig)
	api.GET("/events", read, r.handleEvents)
	api.GET("/history", read, r.handleHistory)
	api.GET("/resources", read, r.handleResources)

	api.POST("/start", write, r.handleStart)
	api.POST("/stop", write, r.handleStop)
	api.POST("/restart", write, r.handleRestart)
	api.PUT("/config", write, r.handleUpdateConfig)
	api.POST("/restarts/reset", write, r.handleResetRestarts)
	return g
}

// NewServer binds addr and serves h on it in the background, over TLS when
// tc is non-nil. Binding happens before returning so address errors surface
// here; the returned server's Addr is the bound address.
func NewServer(addr string, h http.Handler, tc *tls.Config) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc != nil {
		ln = tls.NewListener(ln, tc)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           h,
		TLSConfig:         tc,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// WriteTimeout stays zero: /events streams, and start can take as
		// long as the service's startup timeout.
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("control API stopped", "addr", server.Addr, "error", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type errorBody struct {
	Kind    supervisor.Kind `json:"kind"`
	Message string          `json:"message"`
	Hint    string          `json:"hint,omitempty"`
}

type resultResp struct {
	supervisor.Result
	Error *errorBody `json:"error,omitempty"`
}

func writeResult(c *gin.Context, res supervisor.Result) {
	out := resultResp{Result: res}
	if res.Err != nil {
		out.Error = &errorBody{Kind: res.Err.Kind, Message: res.Err.Error(), Hint: res.Err.Hint}
	}
	writeJSON(c, statusFor(res), out)
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Status())
}

func (r *Router) handleStart(c *gin.Context)   { writeResult(c, r.ctl.Start()) }
func (r *Router) handleStop(c *gin.Context)    { writeResult(c, r.ctl.Stop()) }
func (r *Router) handleRestart(c *gin.Context) { writeResult(c, r.ctl.Restart()) }

func (r *Router) handleGetConfig(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Config())
}

func (r *Router) handleUpdateConfig(c *gin.Context) {
	var u supervisor.ConfigUpdate
	if err := c.ShouldBindJSON(&u); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid_request", Message: "invalid JSON: " + err.Error()})
		return
	}
	writeResult(c, r.ctl.UpdateConfig(u))
}

func (r *Router) handleResetRestarts(c *gin.Context) {
	r.ctl.ResetRestarts()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// handleEvents streams phase events until the client goes away or the
// subscription is closed.
func (r *Router) handleEvents(c *gin.Context) {
	ch, cancel := r.ctl.Subscribe(0)
	defer cancel()

	// SSEvent sets the event-stream content type.
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.SSEvent("status", r.ctl.Status())
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent("phase", ev)
			c.Writer.Flush()
		}
	}
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.history == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "not_found", Message: "history is not enabled"})
		return
	}
	limit := defaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid_request", Message: "limit must be a positive number"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	evs, ok, err := r.history.Recent(c.Request.Context(), r.ctl.Name(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "history_failed", Message: err.Error()})
		return
	}
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "not_found", Message: "no history sink supports queries"})
		return
	}
	if evs == nil {
		evs = []history.Event{}
	}
	writeJSON(c, http.StatusOK, evs)
}

func (r *Router) handleResources(c *gin.Context) {
	u, err := r.ctl.Resources()
	if err != nil {
		code := http.StatusInternalServerError
		if r.ctl.Status().PID == 0 {
			code = http.StatusConflict
		}
		writeJSON(c, code, errorResp{Error: "unavailable", Message: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, u)
}

type loginReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (r *Router) handleLogin(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid_request", Message: "Invalid request format"})
		return
	}
	res, err := r.auth.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeJSON(c, http.StatusUnauthorized, errorResp{Error: "authentication_failed", Message: "Invalid credentials"})
			return
		}
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "login_failed", Message: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, res)
}

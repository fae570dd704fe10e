package agent

import (
	"crypto/subtle"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/audit"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/backup"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/console"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/logparse"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/properties"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/sandbox"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/startscript"
	"github.com/sxwxbxr/nxrthstack-sub004/internal/supervisor"
)

// Role is the caller's privilege level as asserted by the upstream proxy.
type Role int

const (
	RoleViewer Role = iota + 1
	RoleOperator
	RoleManager
	RoleAdmin
)

func parseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "viewer":
		return RoleViewer, true
	case "operator":
		return RoleOperator, true
	case "manager":
		return RoleManager, true
	case "admin", "owner":
		return RoleAdmin, true
	}
	return 0, false
}

const (
	headerUserID = "X-User-Id"
	headerRole   = "X-User-Role"
	ctxUser      = "mcagent.user"
	ctxRole      = "mcagent.role"

	maxFileBytes = 10 << 20
)

// Router returns the HTTP handler for the agent API.
func (a *Agent) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLog())

	r.GET("/healthz", a.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1", a.authenticate)

	viewer := v1.Group("", requireRole(RoleViewer))
	viewer.GET("/status", a.handleStatus)
	viewer.GET("/players", a.handlePlayers)
	viewer.GET("/console/logs", a.handleConsoleLogs)
	viewer.GET("/console/stream", a.handleConsoleStream)

	operator := v1.Group("", requireRole(RoleOperator))
	operator.POST("/server/start", a.rateLimited, a.handleStart)
	operator.POST("/server/stop", a.rateLimited, a.handleStop)
	operator.POST("/server/restart", a.rateLimited, a.handleRestart)
	operator.POST("/console/command", a.rateLimited, a.handleCommand)
	operator.GET("/console/ws", a.handleConsoleWS)

	manager := v1.Group("", requireRole(RoleManager))
	manager.POST("/server/kill", a.rateLimited, a.handleKill)
	manager.POST("/players/:name/:action", a.rateLimited, a.handlePlayerAction)
	manager.GET("/files", a.handleListFiles)
	manager.GET("/files/content", a.handleReadFile)
	manager.PUT("/files/content", a.handleWriteFile)
	manager.DELETE("/files", a.handleDeleteFile)
	manager.GET("/properties", a.handleGetProperties)
	manager.PUT("/properties", a.handlePutProperties)
	manager.GET("/jvm", a.handleGetJvm)
	manager.GET("/backups", a.handleListBackups)
	manager.POST("/backups", a.handleCreateBackup)
	manager.DELETE("/backups/:name", a.handleDeleteBackup)
	manager.GET("/events", a.handleEvents)

	admin := v1.Group("", requireRole(RoleAdmin))
	admin.PUT("/jvm", a.handlePutJvm)
	admin.POST("/backups/:name/restore", a.handleRestoreBackup)
	return r
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http")
	}
}

// authenticate checks the shared agent token and reads the caller identity.
func (a *Agent) authenticate(c *gin.Context) {
	got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if a.cfg.Token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.cfg.Token)) != 1 {
		abort(c, http.StatusUnauthorized, "unauthorized", "missing or invalid agent token")
		return
	}
	user := strings.TrimSpace(c.GetHeader(headerUserID))
	if user == "" {
		abort(c, http.StatusUnauthorized, "unauthorized", "missing "+headerUserID)
		return
	}
	role, ok := parseRole(c.GetHeader(headerRole))
	if !ok {
		abort(c, http.StatusForbidden, "forbidden", "unknown role")
		return
	}
	c.Set(ctxUser, user)
	c.Set(ctxRole, role)
	c.Next()
}

func requireRole(min Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if role, _ := c.Get(ctxRole); role.(Role) < min {
			abort(c, http.StatusForbidden, "forbidden", "insufficient role")
			return
		}
		c.Next()
	}
}

func (a *Agent) rateLimited(c *gin.Context) {
	ok, reset := a.limiter.Allow(userOf(c))
	if !ok {
		c.Header("Retry-After", strconv.Itoa(int(time.Until(reset).Seconds())+1))
		abort(c, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return
	}
	c.Next()
}

func userOf(c *gin.Context) string { return c.GetString(ctxUser) }

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": msg})
}

// writeErr maps domain errors to HTTP responses.
func writeErr(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		status, code = http.StatusConflict, "already_running"
	case errors.Is(err, supervisor.ErrNotRunning):
		status, code = http.StatusConflict, "not_running"
	case errors.Is(err, backup.ErrServerRunning):
		status, code = http.StatusConflict, "server_running"
	case errors.Is(err, backup.ErrBusy):
		status, code = http.StatusConflict, "busy"
	case errors.Is(err, supervisor.ErrStopTimedOutForceKilled):
		status, code = http.StatusGatewayTimeout, "stop_timed_out_force_killed"
	case errors.Is(err, supervisor.ErrStartFailed):
		status, code = http.StatusInternalServerError, "start_failed"
	case errors.Is(err, sandbox.ErrPathEscapesSandbox), errors.Is(err, sandbox.ErrRootProtected):
		status, code = http.StatusForbidden, "path_escapes_sandbox"
	case errors.Is(err, backup.ErrNotFound), errors.Is(err, fs.ErrNotExist), errors.Is(err, startscript.ErrNoLaunchLine):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, console.ErrEmptyCommand), errors.Is(err, console.ErrInvalidCommand),
		errors.Is(err, ErrInvalidPlayer), errors.Is(err, ErrUnknownAction), errors.Is(err, ErrInvalidInput),
		errors.Is(err, backup.ErrInvalidName), errors.Is(err, startscript.ErrInvalidArgs),
		errors.Is(err, properties.ErrInvalidKey), errors.Is(err, sandbox.ErrIsDirectory):
		status, code = http.StatusBadRequest, "invalid_request"
	}
	if status >= 500 {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	abort(c, status, code, err.Error())
}

func (a *Agent) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"uptime":   time.Since(a.start).String(),
		"server":   a.sup.State(),
		"time_utc": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *Agent) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, a.Status(c.Request.Context()))
}

func (a *Agent) handlePlayers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"players": a.Players(c.Request.Context())})
}

func (a *Agent) handleStart(c *gin.Context) {
	if err := a.StartServer(c.Request.Context(), userOf(c)); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, a.sup.Snapshot())
}

type stopRequest struct {
	TimeoutMs int64 `json:"timeoutMs"`
}

func stopTimeout(c *gin.Context) (time.Duration, bool) {
	var req stopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil || req.TimeoutMs < 0 {
			abort(c, http.StatusBadRequest, "invalid_request", "timeoutMs must be a non-negative integer")
			return 0, false
		}
	}
	return time.Duration(req.TimeoutMs) * time.Millisecond, true
}

func (a *Agent) handleStop(c *gin.Context) {
	timeout, ok := stopTimeout(c)
	if !ok {
		return
	}
	if err := a.StopServer(c.Request.Context(), userOf(c), timeout); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, a.sup.Snapshot())
}

func (a *Agent) handleRestart(c *gin.Context) {
	timeout, ok := stopTimeout(c)
	if !ok {
		return
	}
	if err := a.RestartServer(c.Request.Context(), userOf(c), timeout); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, a.sup.Snapshot())
}

func (a *Agent) handleKill(c *gin.Context) {
	if err := a.KillServer(c.Request.Context(), userOf(c)); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, a.sup.Snapshot())
}

type commandRequest struct {
	Command string `json:"command" binding:"required"`
}

func (a *Agent) handleCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := a.SendCommand(c.Request.Context(), userOf(c), req.Command); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

type playerRequest struct {
	Reason string `json:"reason"`
}

func (a *Agent) handlePlayerAction(c *gin.Context) {
	var req playerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}
	action := PlayerAction(c.Param("action"))
	if err := a.Player(c.Request.Context(), userOf(c), action, c.Param("name"), req.Reason); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func queryInt(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func consoleFilter(c *gin.Context) console.Filter {
	return console.Filter{
		Level:    logparse.Level(strings.ToUpper(c.Query("level"))),
		Category: logparse.Category(strings.ToLower(c.Query("category"))),
		Contains: c.Query("q"),
	}
}

func (a *Agent) handleConsoleLogs(c *gin.Context) {
	entries := a.ConsoleLogs(queryInt(c, "limit", 200), consoleFilter(c))
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (a *Agent) handleListFiles(c *gin.Context) {
	entries, err := a.ListFiles(c.DefaultQuery("path", "/"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (a *Agent) handleReadFile(c *gin.Context) {
	b, err := a.ReadFile(c.Query("path"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", b)
}

func (a *Agent) handleWriteFile(c *gin.Context) {
	b, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxFileBytes))
	if err != nil {
		abort(c, http.StatusRequestEntityTooLarge, "invalid_request", err.Error())
		return
	}
	if err := a.WriteFile(c.Request.Context(), userOf(c), c.Query("path"), b); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *Agent) handleDeleteFile(c *gin.Context) {
	if err := a.DeleteFile(c.Request.Context(), userOf(c), c.Query("path")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *Agent) handleGetProperties(c *gin.Context) {
	m, err := a.Properties()
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"properties": m})
}

func (a *Agent) handlePutProperties(c *gin.Context) {
	var req struct {
		Properties map[string]string `json:"properties"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := a.UpdateProperties(c.Request.Context(), userOf(c), req.Properties); err != nil {
		writeErr(c, err)
		return
	}
	a.handleGetProperties(c)
}

func (a *Agent) handleGetJvm(c *gin.Context) {
	args, err := a.JvmArgs()
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, args)
}

func (a *Agent) handlePutJvm(c *gin.Context) {
	var args startscript.JvmArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	updated, err := a.UpdateJvmArgs(c.Request.Context(), userOf(c), args)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (a *Agent) handleListBackups(c *gin.Context) {
	list, err := a.ListBackups()
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backups": list})
}

func (a *Agent) handleCreateBackup(c *gin.Context) {
	var req struct {
		Label string `json:"label"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}
	info, err := a.CreateBackup(c.Request.Context(), userOf(c), req.Label)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (a *Agent) handleRestoreBackup(c *gin.Context) {
	if err := a.RestoreBackup(c.Request.Context(), userOf(c), c.Param("name")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *Agent) handleDeleteBackup(c *gin.Context) {
	if err := a.DeleteBackup(c.Request.Context(), userOf(c), c.Param("name")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *Agent) handleEvents(c *gin.Context) {
	q := audit.Query{
		Limit:    queryInt(c, "limit", 100),
		Category: c.Query("category"),
		Action:   c.Query("action"),
		UserID:   c.Query("user"),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			abort(c, http.StatusBadRequest, "invalid_request", "since must be RFC3339")
			return
		}
		q.Since = t
	}
	records, err := a.Events(c.Request.Context(), q)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": records})
}

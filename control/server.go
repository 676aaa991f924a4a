// Package control exposes the registry over HTTP and a JSON-RPC websocket.
package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/john/printlink/discovery"
	"github.com/john/printlink/eventloop"
	"github.com/john/printlink/files"
	"github.com/john/printlink/history"
	"github.com/john/printlink/logger"
	"github.com/john/printlink/registry"
)

const (
	maxHeaderBytes    = 1 << 20
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 60 * time.Second
)

// Selector persists the active machine choice.
type Selector interface {
	Key() string
	SetActive(key string) error
}

// Uploads is the upload history read side.
type Uploads interface {
	List(ctx context.Context, deviceID string, limit int) ([]history.Upload, error)
	Totals(ctx context.Context) (history.Totals, error)
	Delete(ctx context.Context, id string) error
}

// Options configures the listener.
type Options struct {
	Host string
	Port int
	// PreheatDuration applies when a preheat request has no duration.
	PreheatDuration time.Duration
}

// Server serves the control API.
type Server struct {
	loop     *eventloop.Loop
	log      *logger.Logger
	reg      *registry.Registry
	machines Selector
	files    *files.Manager
	uploads  Uploads
	hub      *Hub
	opts     Options

	httpServer *http.Server
}

// New builds the server. files and uploads may be nil; their routes then
// answer 503.
func New(loop *eventloop.Loop, log *logger.Logger, reg *registry.Registry, machines Selector, fm *files.Manager, uploads Uploads, hub *Hub, opts Options) *Server {
	if opts.PreheatDuration <= 0 {
		opts.PreheatDuration = 15 * time.Minute
	}
	s := &Server{
		loop:     loop,
		log:      log.Named("control"),
		reg:      reg,
		machines: machines,
		files:    fm,
		uploads:  uploads,
		hub:      hub,
		opts:     opts,
	}
	hub.Register("server.info", s.rpcInfo)
	hub.Register("devices.list", s.rpcDevices)
	return s
}

// Handler builds the gin engine with every route registered.
func (s *Server) Handler() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), corsMiddleware)

	router.GET("/health", s.health)
	router.GET("/websocket", s.hub.HandleWebSocket)

	api := router.Group("/api")
	{
		s.registerDeviceRoutes(api)
		s.registerUploadRoutes(api)
		s.registerFileRoutes(api)
		s.registerPeerRoutes(api)
	}
	return router
}

func (s *Server) registerDeviceRoutes(api *gin.RouterGroup) {
	devices := api.Group("/devices")
	{
		devices.GET("", s.listDevices)
		devices.GET("/:id", s.getDevice)
		devices.POST("/:id/connect", s.connectDevice)
		devices.POST("/:id/disconnect", s.disconnectDevice)
		devices.POST("/:id/auth/retry", s.retryAuth)

		devices.POST("/:id/head/move", s.moveHead)
		devices.POST("/:id/head/home", s.homeHead)
		devices.POST("/:id/bed/home", s.homeBed)
		devices.PUT("/:id/bed/temperature", s.setBedTemperature)
		devices.POST("/:id/bed/preheat", s.preheatBed)
		devices.DELETE("/:id/bed/preheat", s.cancelPreheatBed)
		devices.PUT("/:id/hotends/:index/temperature", s.setHotendTemperature)
		devices.POST("/:id/hotends/:index/preheat", s.preheatHotend)
		devices.DELETE("/:id/hotends/:index/preheat", s.cancelPreheatHotend)
		devices.PUT("/:id/job/state", s.setJobState)

		devices.POST("/:id/print", s.print)
		devices.DELETE("/:id/print", s.cancelPrint)

		devices.POST("/:id/camera", s.startCamera)
		devices.DELETE("/:id/camera", s.stopCamera)
		devices.GET("/:id/camera/frame", s.cameraFrame)
	}
}

func (s *Server) registerUploadRoutes(api *gin.RouterGroup) {
	api.GET("/uploads", s.listUploads)
	api.DELETE("/uploads/:uid", s.deleteUpload)
}

func (s *Server) registerFileRoutes(api *gin.RouterGroup) {
	api.GET("/files", s.listFiles)
	api.GET("/files/metadata", s.fileMetadata)
	api.POST("/files", s.saveFile)
	api.DELETE("/files", s.deleteFile)
}

func (s *Server) registerPeerRoutes(api *gin.RouterGroup) {
	api.GET("/peers", s.listPeers)
	api.POST("/peers", s.addPeer)
	api.DELETE("/peers", s.removePeer)
}

// Start listens until Shutdown. It returns http.ErrServerClosed after a
// clean shutdown.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		MaxHeaderBytes:    maxHeaderBytes,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
	s.log.Infow("control API listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for browser frontends.
func corsMiddleware(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, X-Api-Key, Authorization")
	if c.Request.Method == http.MethodOptions {
		c.AbortWithStatus(http.StatusNoContent)
		return
	}
	c.Next()
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// onLoop runs fn on the serial context and reports a stopped loop as 503.
func (s *Server) onLoop(c *gin.Context, fn func()) bool {
	if err := s.loop.Call(fn); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func (s *Server) rpcInfo(json.RawMessage) (interface{}, error) {
	var n int
	if err := s.loop.Call(func() { n = len(s.reg.Devices()) }); err != nil {
		return nil, err
	}
	return gin.H{
		"devices":        n,
		"active_machine": s.machines.Key(),
		"clients":        s.hub.Clients(),
	}, nil
}

func (s *Server) rpcDevices(json.RawMessage) (interface{}, error) {
	var devices []registry.Device
	if err := s.loop.Call(func() { devices = s.reg.Devices() }); err != nil {
		return nil, err
	}
	return devices, nil
}

func (s *Server) listUploads(c *gin.Context) {
	if s.uploads == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "upload history disabled"})
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	ctx := c.Request.Context()
	list, err := s.uploads.List(ctx, c.Query("device"), limit)
	if err != nil {
		s.logAndJSONError(c, http.StatusInternalServerError, "failed to load uploads", err)
		return
	}
	totals, err := s.uploads.Totals(ctx)
	if err != nil {
		s.logAndJSONError(c, http.StatusInternalServerError, "failed to load upload totals", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uploads": list, "totals": totals})
}

func (s *Server) deleteUpload(c *gin.Context) {
	if s.uploads == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "upload history disabled"})
		return
	}
	if err := s.uploads.Delete(c.Request.Context(), c.Param("uid")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type peerRequest struct {
	Host string `json:"host" binding:"required"`
}

func (s *Server) listPeers(c *gin.Context) {
	var peers []string
	if s.onLoop(c, func() { peers = s.reg.ManualPeers() }) {
		if peers == nil {
			peers = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"peers": peers})
	}
}

func (s *Server) addPeer(c *gin.Context) {
	var req peerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	if s.onLoop(c, func() { s.reg.AddManualPeer(req.Host) }) {
		c.JSON(http.StatusAccepted, gin.H{"status": "probing", "id": discovery.ManualID(req.Host)})
	}
}

func (s *Server) removePeer(c *gin.Context) {
	host := c.Query("host")
	if host == "" {
		var req peerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
			return
		}
		host = req.Host
	}
	if s.onLoop(c, func() { s.reg.RemoveManualPeer(host) }) {
		c.Status(http.StatusNoContent)
	}
}

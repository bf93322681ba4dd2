// Package gateway serves UI connections over websocket.
package gateway

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/codepilot/internal/common/logger"
	"github.com/kandev/codepilot/internal/events/bus"
	"github.com/kandev/codepilot/internal/host"
	"github.com/kandev/codepilot/internal/messenger"
	"github.com/kandev/codepilot/internal/transport"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Webviews connect from vscode-webview:// and similar origins.
		return true
	},
}

// Gateway accepts webview connections and runs a host session for each.
type Gateway struct {
	bus         bus.EventBus
	deps        host.Deps
	options     []messenger.Option
	logger      *logger.Logger
	connections atomic.Int64
}

// New creates a gateway. Every connection shares deps and eventBus.
func New(eventBus bus.EventBus, deps host.Deps, log *logger.Logger, opts ...messenger.Option) *Gateway {
	return &Gateway{
		bus:     eventBus,
		deps:    deps,
		options: opts,
		logger:  log.WithFields(zap.String("component", "gateway")),
	}
}

// RegisterRoutes adds /ws and /health to router.
func (g *Gateway) RegisterRoutes(router *gin.Engine) {
	router.GET("/ws", g.HandleConnection)
	router.GET("/health", g.Health)
}

// Connections returns the number of open UI connections.
func (g *Gateway) Connections() int64 {
	return g.connections.Load()
}

// Health reports liveness and the open connection count.
func (g *Gateway) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"service":     "codepilot",
		"connections": g.Connections(),
		"events":      g.bus.IsConnected(),
	})
}

// HandleConnection upgrades the request and serves it until it closes.
func (g *Gateway) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	log := g.logger.WithFields(zap.String("client_id", clientID))
	log.Debug("WebSocket connection established", zap.String("remote_addr", c.Request.RemoteAddr))

	window := transport.NewWindow(conn, log)
	session, err := host.Attach(window, g.bus, g.deps, log, g.options...)
	if err != nil {
		log.Error("Failed to start session", zap.Error(err))
		_ = window.Close()
		return
	}

	g.connections.Add(1)
	defer g.connections.Add(-1)
	defer func() {
		if err := session.Close(); err != nil {
			log.Warn("Failed to close session", zap.Error(err))
		}
	}()

	ctx := context.WithoutCancel(c.Request.Context())
	if err := window.Run(ctx); err != nil {
		log.Debug("WebSocket connection ended", zap.Error(err))
	}
}

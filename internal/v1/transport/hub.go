package transport

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/metrics"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
)

const lobbyMonitorNamespace = "/lobby-monitor"

// Hub is the WebSocket entry point: it authenticates a connecting client,
// resolves which namespace the route addresses, subscribes a new Client to
// it, and starts that Client's read/write pumps. It holds no room state of
// its own and never creates or destroys a namespace: the lifecycle package
// creates each room's namespaces, and main.go creates /lobby-monitor and
// destroys a room's namespaces when the room registry collects it.
type Hub struct {
	identity       types.IdentityVerifier
	bus            types.EventBus
	router         types.Router
	allowedOrigins []string
	sendBufferSize int

	wg sync.WaitGroup
}

// NewHub constructs a Hub. sendBufferSize is the per-connection outbound
// queue depth (spec.md §6's "per-subscriber send buffer size").
func NewHub(identity types.IdentityVerifier, bus types.EventBus, router types.Router, allowedOrigins []string, sendBufferSize int) *Hub {
	return &Hub{
		identity:       identity,
		bus:            bus,
		router:         router,
		allowedOrigins: allowedOrigins,
		sendBufferSize: sendBufferSize,
	}
}

// ServeLobby handles a connection to the subscribe-only /lobby-monitor
// namespace.
func (h *Hub) ServeLobby(c *gin.Context) {
	h.serve(c, lobbyMonitorNamespace)
}

// ServeRoom handles a connection to /room/{roomId}.
func (h *Hub) ServeRoom(c *gin.Context) {
	h.serve(c, "/room/"+c.Param("roomId"))
}

// ServeApproval handles a connection to /approval/{roomId}.
func (h *Hub) ServeApproval(c *gin.Context) {
	h.serve(c, "/approval/"+c.Param("roomId"))
}

// serve runs the common authenticate -> validate origin -> upgrade ->
// subscribe -> pump sequence for every namespace kind.
func (h *Hub) serve(c *gin.Context, namespace string) {
	token := extractToken(c)
	identity, err := h.identity.Verify(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgrade(c)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err, "namespace", namespace)
		return
	}

	userID := identity.UserID
	if identity.Anonymous {
		userID = types.UserIDType("anon-" + uuid.NewString())
	}
	connID := types.ConnIDType(uuid.NewString())

	client := NewClient(conn, connID, userID, namespace, h.router, h.sendBufferSize)

	if err := h.bus.Subscribe(namespace, connID, client); err != nil {
		slog.Warn("subscribe to namespace failed", "namespace", namespace, "connId", connID, "error", err)
		_ = conn.Close()
		return
	}

	metrics.ActiveWebSocketConnections.Inc()
	slog.Info("client connected", "namespace", namespace, "userId", userID, "connId", connID)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()

	client.readPump(func() {
		h.bus.Unsubscribe(namespace, connID)
		h.router.HandleDisconnect(c.Request.Context(), client)
	})
}

func (h *Hub) upgrade(c *gin.Context) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Shutdown waits for every in-flight writePump goroutine to exit. The
// caller is expected to have already closed client connections before
// calling this; lifecycle.Handler.Shutdown only stops timers and closes none.
func (h *Hub) Shutdown() {
	h.wg.Wait()
}

// extractToken reads a bearer token from the Authorization header, the
// Sec-WebSocket-Protocol header (browsers can't set arbitrary headers on a
// WebSocket handshake), or a query parameter, in that priority order.
func extractToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if proto := c.GetHeader("Sec-WebSocket-Protocol"); proto != "" {
		parts := strings.Split(proto, ",")
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" && p != "access_token" {
				return p
			}
		}
	}
	return c.Query("token")
}

// validateOrigin checks the request's Origin header against allowedOrigins
// by scheme+host. A missing Origin header (non-browser clients) is allowed.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin url: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

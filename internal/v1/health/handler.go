package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/bus"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/logging"
	"go.uber.org/zap"
)

// TranscoderChecker checks the liveness of the external BroadcastTranscoder service.
type TranscoderChecker interface {
	Check(ctx context.Context, addr string) string
}

// DefaultTranscoderChecker is the default implementation of TranscoderChecker
type DefaultTranscoderChecker struct{}

// Check verifies gRPC connectivity to the broadcast transcoder using the
// standard gRPC health check protocol. The core never calls the transcoder
// synchronously on the room's control-plane path; this probe exists purely
// so the readiness endpoint can report whether broadcasting is currently
// usable.
func (c *DefaultTranscoderChecker) Check(ctx context.Context, addr string) string {
	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		logging.Error(ctx, "Failed to connect to broadcast transcoder for health check", zap.Error(err), zap.String("addr", addr))
		return "unhealthy"
	}
	defer func() { _ = conn.Close() }()

	healthClient := healthpb.NewHealthClient(conn)

	resp, err := healthClient.Check(ctx, &healthpb.HealthCheckRequest{
		Service: "", // Empty string checks overall server health
	})
	if err != nil {
		logging.Error(ctx, "Broadcast transcoder health check RPC failed", zap.Error(err))
		return "unhealthy"
	}

	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		logging.Warn(ctx, "Broadcast transcoder is not serving", zap.String("status", resp.Status.String()))
		return "unhealthy"
	}

	return "healthy"
}

// Handler manages health check endpoints
type Handler struct {
	redisService      *bus.RedisMirror
	transcoderAddr    string
	transcoderEnabled bool
	transcoderChecker TranscoderChecker
}

// NewHandler creates a new health check handler
func NewHandler(redisService *bus.RedisMirror) *Handler {
	transcoderAddr := os.Getenv("BROADCAST_TRANSCODER_ADDR")
	if transcoderAddr == "" {
		transcoderAddr = "localhost:50052" // Default for local development
	}

	// Check if transcoder health checks should be enabled
	enabledFlag := os.Getenv("BROADCAST_TRANSCODER_HEALTH_CHECK_ENABLED")
	enabled := enabledFlag != "false" // Enabled by default

	return &Handler{
		redisService:      redisService,
		transcoderAddr:    transcoderAddr,
		transcoderEnabled: enabled,
		transcoderChecker: &DefaultTranscoderChecker{},
	}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy
// Returns 503 if any dependency is unhealthy
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	// Check Redis connectivity (the optional cross-process bus mirror)
	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	// Check broadcast transcoder connectivity (if enabled)
	if h.transcoderEnabled {
		transcoderStatus := h.checkTranscoder(ctx)
		checks["broadcast_transcoder"] = transcoderStatus
		if transcoderStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkRedis verifies Redis connectivity using PING command
func (h *Handler) checkRedis(ctx context.Context) string {
	// If Redis is not enabled (single-instance mode), consider it healthy
	if h.redisService == nil {
		return "healthy"
	}

	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}

// checkTranscoder verifies gRPC connectivity to the broadcast transcoder
func (h *Handler) checkTranscoder(ctx context.Context) string {
	if h.transcoderChecker == nil {
		return "unhealthy"
	}
	return h.transcoderChecker.Check(ctx, h.transcoderAddr)
}

// HealthCheckResponse is a generic health check response for backward compatibility
type HealthCheckResponse struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for better formatting
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}

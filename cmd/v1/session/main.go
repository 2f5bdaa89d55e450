package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	otelgin "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/auth"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/broadcast"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/bus"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/config"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/grace"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/health"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/lifecycle"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/logging"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/metronome"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/middleware"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/notes"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/ratelimit"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/registry"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/room"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/swap"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/tracing"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/transcoder"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/transport"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/types"
	"github.com/themiddnight/jam-band-be-sub003/internal/v1/voice"
)

const roomSettleDelay = 2 * time.Second

func main() {
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		panic(err)
	}
	logger := logging.GetLogger()
	defer logger.Sync()

	ctx := context.Background()
	if addr := os.Getenv("OTEL_COLLECTOR_ADDR"); addr != "" {
		tp, err := tracing.InitTracer(ctx, "jam-band-session-engine", addr)
		if err != nil {
			logging.Warn(ctx, "tracing disabled: failed to initialize tracer", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	// --- Auth ---
	var validator ratelimit.TokenValidator
	var identityValidator auth.TokenValidator
	if cfg.SkipAuth {
		logging.Warn(ctx, "authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		mock := &auth.MockValidator{}
		validator = mock
		identityValidator = mock
	} else {
		v, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			logging.Fatal(ctx, "failed to create auth validator", zap.Error(err))
		}
		validator = v
		identityValidator = v
	}
	identity := auth.NewIdentityAdapter(identityValidator)

	// --- Namespace fabric, optionally mirrored across processes via Redis ---
	var redisMirror *bus.RedisMirror
	eventBus := bus.NewInMemoryBus()
	if cfg.RedisEnabled {
		redisMirror, err = bus.NewRedisMirror(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal(ctx, "failed to connect to redis", zap.Error(err))
		}
		eventBus = eventBus.WithMirror(redisMirror)
	}

	// --- Rate limiting ---
	var redisClient *redis.Client
	if redisMirror != nil {
		redisClient = redisMirror.Client()
	}
	rl, err := ratelimit.NewRateLimiter(cfg, redisClient, validator)
	if err != nil {
		logging.Fatal(ctx, "failed to create rate limiter", zap.Error(err))
	}

	// --- Domain collaborators ---
	graceReg := grace.New()
	// EligibleForGC mirrors lifecycle.Handler.EligibleForGC: a room with a
	// live grace-period entry is never collected, even once empty. Wiring
	// it directly off graceReg sidesteps the circular dependency between
	// room.Registry (needs this checker at construction) and
	// lifecycle.Handler (needs the registry already built).
	roomRegistry := room.NewRegistry(roomSettleDelay, func(id types.RoomIDType) bool {
		return !graceReg.AnyInRoom(id)
	})
	sessReg := registry.New()

	var broadcastTranscoder types.BroadcastTranscoder
	if addr := os.Getenv("BROADCAST_TRANSCODER_HTTP_ADDR"); addr != "" {
		broadcastTranscoder = transcoder.New(addr)
	}

	swaps := swap.New(roomRegistry, eventBus, sessReg.ConnByUser)
	batcher := notes.NewBatcher(eventBus, cfg.BatchInterval)
	notesH := notes.New(roomRegistry, eventBus, batcher, sessReg.ConnByUser)
	metronomes := metronome.New(roomRegistry, eventBus)
	voices := voice.New(eventBus, sessReg.ConnByUser)
	broadcasts := broadcast.New(roomRegistry, eventBus, broadcastTranscoder)

	// A room carries two namespaces and a metronome ticker goroutine that
	// outlive the *room.Room struct itself once it's removed from the
	// registry map; none of those are reclaimed unless torn down
	// explicitly here.
	roomRegistry.SetOnDestroy(func(id types.RoomIDType) {
		eventBus.DestroyNamespace("/room/" + string(id))
		eventBus.DestroyNamespace("/approval/" + string(id))
		metronomes.Stop(id)
	})

	idGen := func() types.RoomIDType { return types.RoomIDType(uuid.NewString()) }

	lifecycleHandler := lifecycle.New(lifecycle.Config{
		ApprovalTimeout: cfg.ApprovalTimeout,
		GracePeriod:     cfg.GracePeriod,
	}, lifecycle.Deps{
		Rooms:      roomRegistry,
		SessReg:    sessReg,
		Grace:      graceReg,
		Bus:        eventBus,
		Swaps:      swaps,
		Notes:      notesH,
		Batcher:    batcher,
		Metronomes: metronomes,
		Voices:     voices,
		Broadcasts: broadcasts,
		IDGen:      idGen,
	})

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	hub := transport.NewHub(identity, eventBus, lifecycleHandler, allowedOrigins, cfg.SubscriberSendBufferSz)
	eventBus.CreateNamespace("/lobby-monitor")

	healthHandler := health.NewHandler(redisMirror)

	router := gin.Default()
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = allowedOrigins
	corsCfg.AllowCredentials = true
	router.Use(cors.New(corsCfg))
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("jam-band-session-engine"))
	router.Use(rl.GlobalMiddleware())

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/lobby-monitor", rateLimitWS(rl), hub.ServeLobby)
		wsGroup.GET("/room/:roomId", rateLimitWS(rl), hub.ServeRoom)
		wsGroup.GET("/approval/:roomId", rateLimitWS(rl), hub.ServeApproval)
	}

	apiGroup := router.Group("/api/v1")
	{
		apiGroup.POST("/rooms", rl.MiddlewareForEndpoint("rooms"), createRoomHandler(lifecycleHandler, identity))
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "session engine starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}

	hub.Shutdown()
	lifecycleHandler.Shutdown()
	logging.Info(ctx, "session engine exited")
}

// createRoomHandler exposes lifecycle.Handler.Create as a REST endpoint,
// called ahead of the WebSocket upgrade (the fabric's namespaces must exist
// before a client can subscribe to them).
func createRoomHandler(h *lifecycle.Handler, identity types.IdentityVerifier) gin.HandlerFunc {
	type request struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Kind        string `json:"kind"`
		Visibility  string `json:"visibility"`
		Hidden      bool   `json:"hidden"`
		DefaultBPM  int    `json:"defaultBpm"`
	}

	return func(c *gin.Context) {
		id, err := identity.Verify(c.Request.Context(), extractBearer(c))
		if err != nil || id.Anonymous {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		var req request
		if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
			return
		}

		kind := types.RoomKindPerform
		if req.Kind == string(types.RoomKindArrange) {
			kind = types.RoomKindArrange
		}
		visibility := types.RoomVisibilityPublic
		if req.Visibility == string(types.RoomVisibilityPrivate) {
			visibility = types.RoomVisibilityPrivate
		}

		r, err := h.Create(c.Request.Context(), id.UserID, id.Username, lifecycle.CreateParams{
			Name:        req.Name,
			Description: req.Description,
			Kind:        kind,
			Visibility:  visibility,
			Hidden:      req.Hidden,
			DefaultBPM:  req.DefaultBPM,
		})
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"roomId":     r.ID,
			"ownerId":    id.UserID,
			"visibility": visibility,
			"kind":       kind,
		})
	}
}

func extractBearer(c *gin.Context) string {
	return c.GetHeader("Authorization")
}

// rateLimitWS enforces the per-IP WebSocket connection limit ahead of the
// upgrade handshake.
func rateLimitWS(rl *ratelimit.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.CheckWebSocket(c) {
			c.Abort()
			return
		}
		c.Next()
	}
}

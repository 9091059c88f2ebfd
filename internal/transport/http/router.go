package http

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/iamasit07/cafe-kiosk/backend/internal/transport/http/middleware"
	"github.com/iamasit07/cafe-kiosk/backend/pkg/auth"
)

type RouterConfig struct {
	Kiosks   *KioskHandler
	Sessions *SessionHandler
	Commands *CommandHandler
	Health   *HealthHandler

	WebSocket http.HandlerFunc
	Metrics   http.Handler

	Tokens         middleware.TokenValidator
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(
		middleware.RequestID(),
		ginzap.GinzapWithConfig(cfg.Logger, &ginzap.Config{
			TimeFormat: time.RFC3339,
			UTC:        true,
			SkipPaths:  []string{"/api/health", "/metrics"},
			Context: func(c *gin.Context) []zapcore.Field {
				fields := []zapcore.Field{zap.String("request_id", c.GetString(middleware.KeyRequestID))}
				if v, ok := c.Get(middleware.KeyUserID); ok {
					fields = append(fields, zap.Any("user_id", v))
				}
				return fields
			},
		}),
		ginzap.RecoveryWithZap(cfg.Logger, true),
		middleware.CORS(cfg.AllowedOrigins),
	)
	router.HandleMethodNotAllowed = true

	// Public
	if cfg.Health != nil {
		router.GET("/api/health", cfg.Health.Health)
	}
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	// WebSocket Route (auth handled inside the WS handler itself)
	if cfg.WebSocket != nil {
		router.GET("/ws", gin.WrapF(cfg.WebSocket))
	}

	api := router.Group("/api", middleware.Auth(cfg.Tokens))

	staff := api.Group("", middleware.RequireRole(auth.RoleOperator, auth.RoleAdmin))
	{
		staff.GET("/kiosks", cfg.Kiosks.ListKiosks)
		staff.GET("/kiosks/reachable", cfg.Kiosks.ListReachable)
		staff.GET("/kiosks/:id", cfg.Kiosks.GetKiosk)
		staff.GET("/kiosks/:id/session", cfg.Kiosks.GetActiveSession)
		staff.GET("/kiosks/:id/sessions", cfg.Kiosks.ListSessions)
		staff.GET("/kiosks/:id/connections", cfg.Kiosks.ListConnections)

		staff.POST("/sessions", cfg.Sessions.StartSession)
		staff.GET("/sessions/:id", cfg.Sessions.GetSession)
		staff.POST("/sessions/:id/extend", cfg.Sessions.ExtendSession)
		staff.POST("/sessions/:id/end", cfg.Sessions.EndSession)
		staff.POST("/sessions/:id/cancel", cfg.Sessions.CancelSession)
	}

	admin := api.Group("", middleware.RequireRole(auth.RoleAdmin))
	{
		admin.POST("/kiosks/:id/lock", cfg.Commands.Lock)
		admin.POST("/kiosks/:id/unlock", cfg.Commands.Unlock)
		admin.GET("/kiosks/:id/commands", cfg.Commands.Pending)
	}

	return router
}

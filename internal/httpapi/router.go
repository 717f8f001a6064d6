package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/incogx/Facer-app/internal/auth"
	"github.com/incogx/Facer-app/internal/httpmiddleware"
)

// RouterConfig tunes the middleware stack.
type RouterConfig struct {
	Signer          *auth.Signer
	RateLimitPerMin int
	Production      bool
	Log             *zap.Logger
}

// NewRouter wires the routes of h.
func NewRouter(h *Handler, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(cfg.Log, "/healthz", "/metrics"))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:          24 * time.Hour,
	}))
	r.Use(httpmiddleware.SecurityHeaders(cfg.Production))

	limiter := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.Healthz)

	public := r.Group("/v1/auth", limiter.Middleware(httpmiddleware.ClientIP))
	{
		public.POST("/signup", h.Signup)
		public.POST("/login", h.Login)
		public.POST("/refresh", h.Refresh)
	}

	v1 := r.Group("/v1", auth.StudentAuth(cfg.Signer), limiter.Middleware(bySubject))
	{
		v1.GET("/me", h.Me)
		v1.POST("/me/face", h.EnrollFace)
		v1.POST("/qr/validate", h.ValidateQR)
		v1.POST("/face/verify", h.VerifyFace)
		v1.POST("/attendance/commit", h.CommitAttendance)
		v1.GET("/attendance", h.ListAttendance)
		v1.GET("/attendance/today", h.Today)
	}
	return r
}

func bySubject(c *gin.Context) string {
	if sub := auth.Subject(c); sub != "" {
		return "sub:" + sub
	}
	return httpmiddleware.ClientIP(c)
}

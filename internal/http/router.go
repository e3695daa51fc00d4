package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"accounts/internal/service"
)

// NewRouter configura el router de Gin con middlewares y rutas de cuentas.
func NewRouter(
	logger *zap.Logger,
	userH *UserHandler,
	jwtSvc *service.JWTService,
) *gin.Engine {
	r := gin.New()

	// Middlewares basicos: logging, recovery y JSON content-type.
	r.Use(zapLoggerMiddleware(logger), gin.Recovery(), jsonContentTypeMiddleware())

	optionalAuth := OptionalJWTMiddleware(jwtSvc)

	r.GET("/", optionalAuth, userH.Index)
	r.GET("/register", optionalAuth, userH.RegisterForm)
	r.POST("/register", userH.Register)
	r.GET("/activate/:uidb64/:token", userH.Activate)
	r.POST("/login", userH.Login)
	r.POST("/logout", userH.Logout)
	r.POST("/refresh", userH.RefreshToken)

	r.GET("/me", JWTAuthMiddleware(jwtSvc), userH.Me)

	return r
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
// No registra la ruta cruda: /activate lleva el token en el path.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// jsonContentTypeMiddleware fuerza Content-Type: application/json en responses.
func jsonContentTypeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "application/json")
		c.Next()
	}
}

package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/smallbiznis/keystash/internal/authz"
	"github.com/smallbiznis/keystash/internal/config"
	"github.com/smallbiznis/keystash/internal/domain"
	"github.com/smallbiznis/keystash/internal/http/handler"
	"github.com/smallbiznis/keystash/internal/http/middleware"
)

// Operations guarded by bearer tokens.
var (
	OpUserInfo = authz.Operation{Name: "userinfo", RequiredScopes: []string{domain.ScopeOpenID}}
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, oauthHandler *handler.OAuthHandler, auth *middleware.Auth, rateLimiter *middleware.RateLimiter, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(middleware.CORS(cfg.HTTP))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/.well-known/openid-configuration", oauthHandler.OpenIDConfig)
	r.GET("/.well-known/jwks.json", oauthHandler.JWKS)

	oauth := r.Group("/oauth")
	if rateLimiter != nil {
		oauth.Use(rateLimiter.Handler())
	}
	{
		oauth.GET("/authorize", oauthHandler.Authorize)
		oauth.POST("/token", oauthHandler.Token)
		oauth.POST("/session", oauthHandler.Session)
		oauth.POST("/introspect", oauthHandler.Introspect)
		oauth.POST("/revoke", oauthHandler.Revoke)
		oauth.GET("/userinfo", auth.RequireScopes(OpUserInfo), oauthHandler.UserInfo)
		oauth.POST("/userinfo", auth.RequireScopes(OpUserInfo), oauthHandler.UserInfo)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	return r
}

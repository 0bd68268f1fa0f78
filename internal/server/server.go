package server

import (
	"net/http"

	"ag2api-go/internal/config"
	"ag2api-go/internal/handlers/claude"
	"ag2api-go/internal/handlers/common"
	"ag2api-go/internal/handlers/gemini"
	"ag2api-go/internal/handlers/management"
	"ag2api-go/internal/handlers/openai"
	mw "ag2api-go/internal/middleware"
	"github.com/gin-gonic/gin"
)

// Dependencies bundles everything the router mounts.
type Dependencies struct {
	Backend    *common.Backend
	Management *management.Handler
}

// New builds the gin engine with all routes and middleware attached.
func New(cfg *config.Config, deps Dependencies) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(mw.RequestID(), mw.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	oa := openai.New(deps.Backend)
	cl := claude.New(deps.Backend)
	gm := gemini.New(deps.Backend)

	clientAuth := mw.APIKeyAuth(cfg, deps.Backend.Store)
	limited := mw.RateLimit(cfg)

	v1 := r.Group("/v1", clientAuth, limited)
	{
		v1.GET("/models", oa.ListModels)
		v1.POST("/chat/completions", oa.ChatCompletions)
		v1.POST("/messages", cl.Messages)
		v1.POST("/messages/count_tokens", cl.CountTokens)
	}

	v1beta := r.Group("/v1beta", clientAuth, limited)
	{
		v1beta.GET("/models", gm.ListModels)
		// {model}:{action} arrives as one path segment.
		v1beta.POST("/models/:modelAction", gm.ModelAction)
	}

	api := r.Group("/api", mw.AdminAuth(cfg))
	{
		api.GET("/accounts", deps.Management.ListAccounts)
		api.POST("/accounts", deps.Management.CreateAccount)
		api.DELETE("/accounts/:id", deps.Management.DeleteAccount)
		api.POST("/accounts/:id/enable", deps.Management.EnableAccount)
		api.POST("/accounts/:id/disable", deps.Management.DisableAccount)
		api.POST("/accounts/:id/refresh", deps.Management.RefreshAccount)
		api.POST("/accounts/:id/quota/sync", deps.Management.SyncAccountQuota)
		api.POST("/quota/sync", deps.Management.SyncAllQuotas)

		api.GET("/oauth/url", deps.Management.OAuthURL)
		api.POST("/oauth/exchange", deps.Management.OAuthExchange)

		api.GET("/logs", deps.Management.Logs)
		api.GET("/routing", deps.Management.Routing)
		api.GET("/settings", deps.Management.GetSettings)
		api.PUT("/settings", deps.Management.PutSettings)

		api.GET("/keys", deps.Management.ListAPIKeys)
		api.POST("/keys", deps.Management.CreateAPIKey)
		api.DELETE("/keys/:id", deps.Management.DeleteAPIKey)
	}

	return r
}

package directory

import (
	"context"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/guardtalk/guardtalk/internal/config"
)

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, tree *Tree) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("GuardTalkSessions", store))
	r.Use(ClientTokenMiddleware())

	claims := NewClaimLimiter(cfg.ClaimLimit, 10*time.Second)
	ctl := NewStoreWSController(tree, claims)
	ctl.ReadLimit = cfg.ReadLimit
	ctl.PingPeriod = cfg.PingPeriod

	api := r.Group("/api")

	api.GET("/ws/store", func(c *gin.Context) {
		log.Info().Str("module", "directory").Str("sid", c.GetString("client_token")).Msg("store endpoint hit")
		ctl.HandleStore(ctx, c)
	})

	api.POST("/token", HandleToken)

	return r
}

package http

import (
	"context"
	"net/http"
	"sort"

	"github.com/dkeye/voicemesh/internal/adapters/signal"
	"github.com/dkeye/voicemesh/internal/app/hub"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "ct"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every browser a stable anonymous id kept in the session cookie.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		token, _ := sess.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			sess.Set(clientTokenKey, token)
			if err := sess.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save client token")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

type presenceDTO struct {
	Channel domain.ChannelKey `json:"channel"`
	Members []domain.UserID   `json:"members"`
	Count   int               `json:"count"`
}

func SetupRouter(ctx context.Context, cfg *config.Config, h *hub.Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("VoiceSessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	ctrl := signal.NewSignalWSController(h, signal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		PongWait:   cfg.PongWait,
		Limiter:    signal.NewRateLimiter(cfg.RateLimit, cfg.RateInterval),
	})

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	api.GET("/presence", func(c *gin.Context) {
		snap := h.Snapshot()
		out := make([]presenceDTO, 0, len(snap))
		for key, members := range snap {
			out = append(out, presenceDTO{Channel: key, Members: members, Count: len(members)})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
		c.JSON(http.StatusOK, out)
	})

	api.GET("/presence/:key", func(c *gin.Context) {
		key, err := domain.ParseChannelKey(c.Param("key"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		members := h.Members(key)
		if members == nil {
			members = []domain.UserID{}
		}
		c.JSON(http.StatusOK, presenceDTO{Channel: key, Members: members, Count: len(members)})
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}

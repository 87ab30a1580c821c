package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/Duet/internal/adapters/media"
	"github.com/dkeye/Duet/internal/adapters/signal"
	"github.com/dkeye/Duet/internal/app/orch"
	"github.com/dkeye/Duet/internal/app/token"
	"github.com/dkeye/Duet/internal/config"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ct, _ := c.Cookie("ct")
		if ct == "" {
			ct = genClientToken()
			c.SetCookie("ct", ct, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", ct)
		c.Next()
	}
}

// Deps are the server components the router exposes.
type Deps struct {
	Signal *signal.SignalWSController
	Media  *media.MediaWSController
	Orch   *orch.Orchestrator
	Tokens *token.Issuer
}

func SetupRouter(ctx context.Context, cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("DuetSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api.GET("/online", func(c *gin.Context) {
		c.JSON(http.StatusOK, d.Signal.Roster())
	})

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, d.Orch.Rooms.List())
	})

	api.POST("/tokens", issueToken(d.Tokens))

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("ct", c.GetString("client_token")).Msg("ws signal endpoint hit")
		d.Signal.HandleSignal(ctx, c)
	})

	api.GET("/ws/media", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("ct", c.GetString("client_token")).Msg("ws media endpoint hit")
		d.Media.HandleMedia(ctx, c)
	})

	return r
}

type tokenRequest struct {
	RoomID   domain.RoomID `json:"roomID" binding:"required"`
	UserID   domain.UserID `json:"userID" binding:"required"`
	UserName string        `json:"userName" binding:"required"`
}

type tokenResponse struct {
	Token     string        `json:"token"`
	RoomID    domain.RoomID `json:"roomID"`
	UserID    domain.UserID `json:"userID"`
	ExpiresAt time.Time     `json:"expiresAt"`
}

func issueToken(issuer *token.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req tokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "roomID, userID and userName are required"})
			return
		}
		tok, exp, err := issuer.Issue(req.RoomID, domain.User{ID: req.UserID, Username: req.UserName})
		switch {
		case errors.Is(err, token.ErrNoKey):
			log.Error().Str("module", "adapters.http").Msg("token secret not configured")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "token service unavailable"})
			return
		case err != nil:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Info().Str("module", "adapters.http").Str("room", string(req.RoomID)).Str("user", string(req.UserID)).Msg("room token issued")
		c.JSON(http.StatusOK, tokenResponse{Token: tok, RoomID: req.RoomID, UserID: req.UserID, ExpiresAt: exp})
	}
}

// Package http is the gin control surface: capability, token, room and
// media endpoints plus the websocket event feed.
package http

import (
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/keary/presence/internal/adapters/signal"
	"github.com/keary/presence/internal/app/capability"
	"github.com/keary/presence/internal/app/device"
	"github.com/keary/presence/internal/app/orch"
	"github.com/keary/presence/internal/app/registry"
	"github.com/keary/presence/internal/config"
	"github.com/keary/presence/internal/core"
	"github.com/keary/presence/internal/domain"
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

// Deps collects everything the router fronts.
type Deps struct {
	Orch     *orch.Orchestrator
	Gate     *capability.Gate
	Tokens   core.TokenProvider
	Registry *registry.Registry
	Devices  *device.Manager
	Capturer core.Capturer
	Bridge   *signal.EventBridge
}

func SetupRouter(cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("PresenceSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/capability", func(c *gin.Context) {
		c.JSON(http.StatusOK, d.Gate.Evaluate())
	})

	// The probe actually opens devices; it is a deliberate user action
	// (permission prompts), hence POST.
	api.POST("/capability/probe", func(c *gin.Context) {
		c.JSON(http.StatusOK, d.Gate.ProbePermissions(c.Request.Context(), d.Capturer))
	})

	api.GET("/token", func(c *gin.Context) {
		channel := domain.ChannelID(c.Query("channel"))
		if channel == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "channel is required"})
			return
		}
		token, err := d.Tokens.FetchToken(c.Request.Context(), channel)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": string(token)})
	})

	api.POST("/room/enter", func(c *gin.Context) {
		var req struct {
			Realm string `json:"realm" binding:"required"`
			Room  string `json:"room" binding:"required"`
			UID   string `json:"uid" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := d.Orch.EnterRoom(domain.RealmID(req.Realm), domain.RoomToken(req.Room), domain.UID(req.UID))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		// The join itself is debounced; clients watch the event feed or
		// poll /api/state for the outcome.
		c.JSON(http.StatusAccepted, gin.H{
			"channel": string(domain.DeriveChannelID(domain.RealmID(req.Realm), domain.RoomToken(req.Room))),
		})
	})

	api.POST("/room/leave", func(c *gin.Context) {
		d.Orch.LeaveRoom()
		c.Status(http.StatusAccepted)
	})

	api.POST("/media/camera", func(c *gin.Context) {
		muted, err := d.Orch.ToggleCamera(c.Request.Context())
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "muted": true})
			return
		}
		c.JSON(http.StatusOK, gin.H{"muted": muted})
	})

	api.POST("/media/microphone", func(c *gin.Context) {
		muted, err := d.Orch.ToggleMicrophone(c.Request.Context())
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "muted": true})
			return
		}
		c.JSON(http.StatusOK, gin.H{"muted": muted})
	})

	api.POST("/media/screen", func(c *gin.Context) {
		sharing, err := d.Orch.ToggleScreenShare(c.Request.Context())
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "sharing": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sharing": sharing})
	})

	api.POST("/cleanup", func(c *gin.Context) {
		d.Orch.ForceCleanup(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	api.GET("/state", func(c *gin.Context) {
		state := gin.H{
			"primary":        d.Orch.PrimaryState().String(),
			"screen":         d.Orch.ScreenState().String(),
			"channel":        string(d.Orch.CurrentChannel()),
			"screen_sharing": d.Orch.ScreenSharing(),
		}
		if err := d.Orch.LastError(); err != nil {
			state["last_error"] = err.Error()
		}
		c.JSON(http.StatusOK, state)
	})

	api.GET("/participants", func(c *gin.Context) {
		c.JSON(http.StatusOK, d.Registry.Participants())
	})

	api.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"uid":        string(d.Orch.LocalUID()),
			"camera":     d.Devices.Enabled(domain.TrackCamera),
			"microphone": d.Devices.Enabled(domain.TrackMicrophone),
			"screen":     d.Devices.Enabled(domain.TrackScreen),
		})
	})

	api.GET("/ws/events", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws events endpoint hit")
		d.Bridge.HandleEvents(c)
	})

	return r
}

// statusFor translates the error taxonomy into HTTP codes. Capability
// denials are forbidden, device refusals are conflicts, the rest is a
// gateway-side failure.
func statusFor(err error) int {
	var capErr *core.CapabilityError
	if errors.As(err, &capErr) {
		return http.StatusForbidden
	}
	var devErr *core.DeviceAcquisitionError
	if errors.As(err, &devErr) {
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keary/presence/internal/adapters/capture"
	"github.com/keary/presence/internal/adapters/env"
	router "github.com/keary/presence/internal/adapters/http"
	"github.com/keary/presence/internal/adapters/rtc"
	sigbridge "github.com/keary/presence/internal/adapters/signal"
	"github.com/keary/presence/internal/adapters/token"
	"github.com/keary/presence/internal/app/bus"
	"github.com/keary/presence/internal/app/capability"
	"github.com/keary/presence/internal/app/device"
	"github.com/keary/presence/internal/app/orch"
	"github.com/keary/presence/internal/app/recovery"
	"github.com/keary/presence/internal/app/registry"
	"github.com/keary/presence/internal/app/transport"
	"github.com/keary/presence/internal/config"
	"github.com/keary/presence/internal/core"
	"github.com/keary/presence/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	capturer, err := capture.NewCapturer()
	if err != nil {
		log.Fatal().Err(err).Msg("capture stack init")
	}

	probe := env.NewHostProbe(cfg.SignalURL, capture.Supported)
	gate := capability.New(probe)
	snap := gate.Evaluate()
	log.Info().
		Bool("can_use_realtime", snap.CanUseRealtime).
		Strs("reasons", snap.Reasons).
		Msg("capability snapshot")

	provider, err := rtc.NewProvider(rtc.Config{
		SignalURL:      cfg.SignalURL,
		PopulateEngine: capturer.Populate,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("rtc provider init")
	}

	clk := clock.New()
	primary := transport.NewSession("primary", provider, clk, cfg.JoinTimeout)
	screen := transport.NewSession("screen", provider, clk, cfg.JoinTimeout)

	eventBus := bus.New()
	reg := registry.New(eventBus, primary, screen)
	devices := device.NewManager(gate, capturer, primary)

	var tokens core.TokenProvider
	if cfg.TokenURL != "" {
		tokens = token.NewHTTPProvider(cfg.TokenURL)
	} else {
		tokens = token.NewMinter(cfg.Secret, cfg.TokenTTL)
	}

	orchestrator := orch.New(
		orch.Config{
			JoinDebounce:      cfg.JoinDebounce,
			LeaveDebounce:     cfg.LeaveDebounce,
			RetryBackoff:      cfg.RetryBackoff,
			PostToggleRefresh: cfg.PostToggleRefresh,
			MaxJoinAttempts:   cfg.MaxJoinAttempts,
		},
		clk, gate, devices, primary, screen, tokens, reg, eventBus,
	)

	// Both transports report into the one registry; it routes
	// subscriptions back to whichever session owns the publisher.
	channelEvents := core.ChannelEvents{
		OnUserPublished: func(uid string, kind domain.MediaKind) {
			reg.HandleUserPublished(ctx, uid, kind)
		},
		OnUserUnpublished: reg.HandleUserUnpublished,
		OnUserLeft:        reg.HandleUserLeft,
	}
	primary.SetEvents(channelEvents)
	screen.SetEvents(channelEvents)

	// Viewers ask for a specific participant's camera over the event feed;
	// the registry answers with that participant's current record.
	eventBus.Subscribe(func(ev core.Event) {
		if req, ok := ev.(core.CameraRequest); ok {
			reg.HandleCameraRequest(req.BaseUID)
		}
	})

	bridge := sigbridge.NewEventBridge(eventBus)
	defer bridge.Close()

	monitor := recovery.New(
		recovery.Config{
			SettleDelay:          cfg.SettleDelay,
			FullscreenExitDelay:  cfg.FullscreenExitDelay,
			CorruptionCheckDelay: cfg.CorruptionCheckDelay,
		},
		clk, bridge, devices, reg, eventBus, recovery.DefaultDetector{},
	)
	go monitor.Run(ctx)

	r := router.SetupRouter(cfg, router.Deps{
		Orch:     orchestrator,
		Gate:     gate,
		Tokens:   tokens,
		Registry: reg,
		Devices:  devices,
		Capturer: capturer,
		Bridge:   bridge,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("presence server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	orchestrator.Destroy(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

// Package rtc implements the media provider against a websocket signaling
// backend and pion PeerConnections. Each transport session gets its own
// connection: its own socket, its own peer connection, its own identity.
package rtc

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keary/presence/internal/core"
)

type Config struct {
	// SignalURL is the backend's websocket signaling endpoint.
	SignalURL string
	// ICEServers defaults to Google's public STUN when empty.
	ICEServers []string
	// RequestTimeout bounds the wait for each signaling acknowledgement.
	RequestTimeout time.Duration
	// PopulateEngine, when set, registers local capture encoders on the
	// media engine before peer connections are built.
	PopulateEngine func(*webrtc.MediaEngine)
}

type Provider struct {
	cfg Config
	api *webrtc.API
	log zerolog.Logger
}

var _ core.Provider = (*Provider)(nil)

func NewProvider(cfg Config) (*Provider, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	if cfg.PopulateEngine != nil {
		cfg.PopulateEngine(mediaEngine)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Default ICE disconnect timeout is too twitchy for relay paths; give
	// brief NAT hiccups time to recover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return &Provider{
		cfg: cfg,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		),
		log: log.With().Str("module", "adapters.rtc").Logger(),
	}, nil
}

func (p *Provider) Connect(ctx context.Context) (core.ProviderConn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, p.cfg.SignalURL, nil)
	if err != nil {
		return nil, err
	}

	pc, err := p.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: p.cfg.ICEServers}},
	})
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	conn := newConn(ws, pc, p.cfg.RequestTimeout, p.log)
	p.log.Info().Str("url", p.cfg.SignalURL).Msg("signaling connected")
	return conn, nil
}

// Package rtc builds pion peer connections for the mesh.
package rtc

import (
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const DefaultPLIInterval = 3 * time.Second

type Options struct {
	ICEServers  []string
	PLIInterval time.Duration
	// IncludeLoopback gathers 127.0.0.1 candidates; used by single-host tests.
	IncludeLoopback bool
	LoggerFactory   logging.LoggerFactory
}

func DefaultICEServers() []string {
	return []string{
		"stun:stun.l.google.com:19302",
		"stun:global.stun.twilio.com:3478",
	}
}

// Configuration turns STUN/TURN urls into a pion configuration, one server per url.
func Configuration(urls []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	for _, u := range urls {
		if u == "" {
			continue
		}
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{u}})
	}
	return cfg
}

// NewAPI registers the default codecs and interceptors plus a periodic PLI generator
// so remote screen shares recover from loss.
func NewAPI(opts Options) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Msg("media engine register default codecs")
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Msg("register default interceptors")
		return nil, err
	}

	interval := opts.PLIInterval
	if interval <= 0 {
		interval = DefaultPLIInterval
	}
	pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(interval))
	if err != nil {
		log.Error().Err(err).Str("module", "webrtc").Msg("new interval pli")
		return nil, err
	}
	registry.Add(pli)

	settings := webrtc.SettingEngine{}
	lf := opts.LoggerFactory
	if lf == nil {
		lf = NewLoggerFactory()
	}
	settings.LoggerFactory = lf
	if opts.IncludeLoopback {
		settings.SetIncludeLoopbackCandidate(true)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	), nil
}

// Factory is the core.ConnFactory backed by one shared API.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewFactory(opts Options) (*Factory, error) {
	api, err := NewAPI(opts)
	if err != nil {
		return nil, err
	}
	servers := opts.ICEServers
	if servers == nil {
		servers = DefaultICEServers()
	}
	log.Info().Str("module", "webrtc").Strs("ice_servers", servers).Msg("webrtc api initialized")
	return &Factory{api: api, cfg: Configuration(servers)}, nil
}

func (f *Factory) NewConnection(peer domain.UserID) (core.MediaConnection, error) {
	return NewConnection(f.api, f.cfg, peer)
}

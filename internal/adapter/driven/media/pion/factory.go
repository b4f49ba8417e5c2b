package pion

import (
	"fmt"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Option func(*Factory)

// WithCodecs registers codecs on the media engine instead of pion's
// defaults, e.g. a mediadevices codec selector's Populate.
func WithCodecs(register func(*webrtc.MediaEngine) error) Option {
	return func(f *Factory) {
		f.registerCodecs = register
	}
}

// WithLoopbackCandidates gathers candidates on loopback interfaces.
func WithLoopbackCandidates() Option {
	return func(f *Factory) {
		f.loopback = true
	}
}

// WithICETimeouts tunes how fast a silent path is reported as
// disconnected and then failed.
func WithICETimeouts(disconnected, failed, keepAlive time.Duration) Option {
	return func(f *Factory) {
		f.disconnectedTimeout = disconnected
		f.failedTimeout = failed
		f.keepAliveInterval = keepAlive
	}
}

// Factory creates WebRTC peer connections sharing one API instance.
type Factory struct {
	api *webrtc.API

	registerCodecs      func(*webrtc.MediaEngine) error
	loopback            bool
	disconnectedTimeout time.Duration
	failedTimeout       time.Duration
	keepAliveInterval   time.Duration
}

func NewFactory(opts ...Option) (*Factory, error) {
	f := &Factory{
		disconnectedTimeout: 5 * time.Second,
		failedTimeout:       25 * time.Second,
		keepAliveInterval:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}

	m := &webrtc.MediaEngine{}
	if f.registerCodecs != nil {
		if err := f.registerCodecs(m); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	} else if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	s := webrtc.SettingEngine{}
	s.SetICETimeouts(f.disconnectedTimeout, f.failedTimeout, f.keepAliveInterval)
	if f.loopback {
		s.SetIncludeLoopbackCandidate(true)
	}

	f.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(s),
	)
	return f, nil
}

// NewTransport implements port.TransportFactory.
func (f *Factory) NewTransport(cfg domain.ICEConfig) (port.Transport, error) {
	pc, err := f.api.NewPeerConnection(configuration(cfg))
	if err != nil {
		return nil, err
	}
	log.Debug().Int("ice_servers", len(cfg.Servers)).Msg("Peer connection created")
	return newTransport(pc), nil
}

func configuration(cfg domain.ICEConfig) webrtc.Configuration {
	conf := webrtc.Configuration{}
	for _, s := range cfg.Servers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		conf.ICEServers = append(conf.ICEServers, server)
	}
	if cfg.RelayOnly {
		conf.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return conf
}

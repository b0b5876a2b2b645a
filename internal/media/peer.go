package media

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// pion's ICE timeout defaults
const (
	defaultDisconnectedTimeout = 5 * time.Second
	defaultFailedTimeout       = 25 * time.Second
	defaultKeepAliveInterval   = 2 * time.Second
)

// PeerConnection is the part of *webrtc.PeerConnection the adapter drives
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	GetStats() webrtc.StatsReport
	Close() error
}

var _ PeerConnection = (*webrtc.PeerConnection)(nil)

// PeerConfig configures NewPeerConnection
type PeerConfig struct {
	STUNURLs []string

	// ICE timeouts; zero values keep pion's defaults
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	LoggerFactory logging.LoggerFactory
}

// NewPeerConnection creates a peer connection with the default codecs and
// interceptors (NACK, RTCP reports, TWCC).
func NewPeerConnection(cfg PeerConfig) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.LoggerFactory != nil {
		se.LoggerFactory = cfg.LoggerFactory
	}
	if cfg.DisconnectedTimeout > 0 || cfg.FailedTimeout > 0 || cfg.KeepAliveInterval > 0 {
		se.SetICETimeouts(
			orDefault(cfg.DisconnectedTimeout, defaultDisconnectedTimeout),
			orDefault(cfg.FailedTimeout, defaultFailedTimeout),
			orDefault(cfg.KeepAliveInterval, defaultKeepAliveInterval),
		)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var iceServers []webrtc.ICEServer
	if len(cfg.STUNURLs) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: cfg.STUNURLs})
	}
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// Package media owns the WebRTC peer connections and local capture for calls.
package media

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/gofrts/callkit/internal/audioroute"
)

// Kind selects which local tracks a call session captures.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

const (
	iceDisconnectedTimeout = 30 * time.Second
	iceFailedTimeout       = 120 * time.Second
	iceKeepaliveInterval   = 2 * time.Second
)

// Engine builds call sessions over a shared WebRTC API instance.
type Engine struct {
	api        *webrtc.API
	platform   *platformMedia
	iceServers []webrtc.ICEServer
	route      audioroute.Router
	log        zerolog.Logger
}

func NewEngine(iceServers []webrtc.ICEServer, route audioroute.Router, log zerolog.Logger) (*Engine, error) {
	platform, mediaEngine, err := newPlatformMedia()
	if err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// The default disconnectedTimeout of 5s drops calls during brief network
	// blips. Give ICE time to recover before declaring failure.
	se := webrtc.SettingEngine{
		LoggerFactory: newLoggerFactory(log),
	}
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	if route == nil {
		route = audioroute.NopRouter{}
	}

	return &Engine{
		api:        api,
		platform:   platform,
		iceServers: iceServers,
		route:      route,
		log:        log.With().Str("component", "media").Logger(),
	}, nil
}

// NewSession creates a peer connection with local capture for the given call
// kind and wires the callbacks. The caller owns the session and must call
// Teardown when the call ends.
func (e *Engine) NewSession(kind Kind, cb Callbacks) (*Session, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:           e.iceServers,
		ICECandidatePoolSize: 10,
	})
	if err != nil {
		return nil, err
	}

	stopCapture, err := e.platform.attach(pc, kind, e.log)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	s := newSession(pc, stopCapture, e.route, cb, e.log)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		s.handleLocalCandidate(c.ToJSON())
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.handleRemoteTrack(track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.handleConnectionState(state)
	})

	return s, nil
}

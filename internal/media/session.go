package media

import (
	"errors"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/gofrts/callkit/internal/audioroute"
)

// ErrClosed is returned by session operations after Teardown.
var ErrClosed = errors.New("media: session closed")

// PeerConn is the slice of *webrtc.PeerConnection the session drives.
type PeerConn interface {
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	GetSenders() []*webrtc.RTPSender
	Close() error
}

// Callbacks deliver asynchronous peer connection activity to the call
// coordinator. All fields are optional.
type Callbacks struct {
	// OnLocalCandidate fires for every gathered local ICE candidate.
	OnLocalCandidate func(webrtc.ICECandidateInit)
	// OnRemoteTrack fires when the first packet of a remote track arrives.
	OnRemoteTrack func(kind string)
	// OnConnectionState fires on every peer connection state change.
	OnConnectionState func(state webrtc.PeerConnectionState)
}

// Session is the media half of one call: a peer connection plus the local
// capture feeding it. Teardown is idempotent.
type Session struct {
	pc          PeerConn
	stopCapture func()
	route       audioroute.Router
	cb          Callbacks
	log         zerolog.Logger

	closeOnce sync.Once
	closed    chan struct{}

	mu         sync.Mutex
	audioOn    bool
	videoOn    bool
	speakerOn  bool
	savedAudio *webrtc.RTPSender
	savedVideo *webrtc.RTPSender
	audioTrack webrtc.TrackLocal
	videoTrack webrtc.TrackLocal
}

func newSession(pc PeerConn, stopCapture func(), route audioroute.Router, cb Callbacks, log zerolog.Logger) *Session {
	s := &Session{
		pc:          pc,
		stopCapture: stopCapture,
		route:       route,
		cb:          cb,
		log:         log,
		closed:      make(chan struct{}),
		audioOn:     true,
		videoOn:     true,
	}
	for _, sender := range pc.GetSenders() {
		track := sender.Track()
		if track == nil {
			continue
		}
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			s.savedAudio = sender
			s.audioTrack = track
		case webrtc.RTPCodecTypeVideo:
			s.savedVideo = sender
			s.videoTrack = track
		}
	}
	return s
}

// CreateOffer produces a local offer and applies it as the local description.
func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	if s.isClosed() {
		return webrtc.SessionDescription{}, ErrClosed
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// CreateAnswer produces a local answer and applies it as the local description.
func (s *Session) CreateAnswer() (webrtc.SessionDescription, error) {
	if s.isClosed() {
		return webrtc.SessionDescription{}, ErrClosed
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (s *Session) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.pc.SetRemoteDescription(desc)
}

// HasRemoteDescription reports whether a remote description has been applied.
func (s *Session) HasRemoteDescription() bool {
	if s.isClosed() {
		return false
	}
	return s.pc.RemoteDescription() != nil
}

func (s *Session) AddICECandidate(init webrtc.ICECandidateInit) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.pc.AddICECandidate(init)
}

// SetAudioEnabled mutes or unmutes the outgoing audio track. Returns the
// resulting state; a session without a local audio track stays muted.
func (s *Session) SetAudioEnabled(on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.savedAudio == nil {
		s.audioOn = false
		return false
	}
	if err := s.replaceTrack(s.savedAudio, s.audioTrack, on); err != nil {
		s.log.Warn().Err(err).Bool("on", on).Msg("audio toggle failed")
		return s.audioOn
	}
	s.audioOn = on
	return s.audioOn
}

// SetVideoEnabled mutes or unmutes the outgoing video track.
func (s *Session) SetVideoEnabled(on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.savedVideo == nil {
		s.videoOn = false
		return false
	}
	if err := s.replaceTrack(s.savedVideo, s.videoTrack, on); err != nil {
		s.log.Warn().Err(err).Bool("on", on).Msg("video toggle failed")
		return s.videoOn
	}
	s.videoOn = on
	return s.videoOn
}

// Muting swaps the sender's track for nil so no RTP leaves the host, instead
// of pausing capture, so unmute is instant.
func (s *Session) replaceTrack(sender *webrtc.RTPSender, track webrtc.TrackLocal, on bool) error {
	if on {
		return sender.ReplaceTrack(track)
	}
	return sender.ReplaceTrack(nil)
}

// SetSpeaker routes call audio to the speaker or earpiece. Returns the
// routing in effect.
func (s *Session) SetSpeaker(on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speakerOn = s.route.SetSpeaker(on)
	return s.speakerOn
}

// AudioEnabled reports the current outgoing audio state.
func (s *Session) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioOn
}

// VideoEnabled reports the current outgoing video state.
func (s *Session) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoOn
}

// SpeakerOn reports the current audio routing.
func (s *Session) SpeakerOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speakerOn
}

// Teardown stops local capture and closes the peer connection. Safe to call
// any number of times from any goroutine.
func (s *Session) Teardown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.stopCapture != nil {
			s.stopCapture()
		}
		if err := s.pc.Close(); err != nil {
			s.log.Warn().Err(err).Msg("peer connection close failed")
		}
	})
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) handleLocalCandidate(init webrtc.ICECandidateInit) {
	if s.isClosed() {
		return
	}
	if s.cb.OnLocalCandidate != nil {
		s.cb.OnLocalCandidate(init)
	}
}

func (s *Session) handleRemoteTrack(track *webrtc.TrackRemote) {
	s.log.Info().Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("remote track started")
	if s.cb.OnRemoteTrack != nil {
		s.cb.OnRemoteTrack(track.Kind().String())
	}
	go s.drainTrack(track)
}

// drainTrack keeps the remote track's RTP flowing. Without a reader the
// interceptor chain stalls and the sender backs off.
func (s *Session) drainTrack(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			if !errors.Is(err, io.EOF) && !s.isClosed() {
				s.log.Debug().Err(err).Str("track_id", track.ID()).Msg("remote track read ended")
			}
			return
		}
	}
}

func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	s.log.Info().Str("state", state.String()).Msg("peer connection state changed")
	if s.cb.OnConnectionState != nil {
		s.cb.OnConnectionState(state)
	}
}

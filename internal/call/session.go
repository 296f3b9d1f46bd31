// Package call coordinates the lifecycle and WebRTC negotiation of the one
// active call on this device.
package call

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/gofrts/callkit/internal/media"
	"github.com/gofrts/callkit/internal/signaling"
)

var (
	// ErrBusy is returned when an operation needs an idle device but a call
	// is already active.
	ErrBusy = errors.New("call: another call is active")
	// ErrNoCall is returned when an operation needs an active call.
	ErrNoCall = errors.New("call: no active call")
	// ErrBadState is returned when the active call cannot take the
	// requested transition.
	ErrBadState = errors.New("call: invalid state for operation")
)

// Status is the lifecycle state of a call session.
type Status string

const (
	StatusRinging  Status = "ringing"
	StatusAnswered Status = "answered"
	StatusEnded    Status = "ended"
)

// Role says which side of the call this device is on.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Kind is the media profile of a call.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func (k Kind) mediaKind() media.Kind {
	if k == KindVideo {
		return media.KindVideo
	}
	return media.KindAudio
}

// Info is a read-only snapshot of the active call.
type Info struct {
	ID             string
	ConversationID string
	Kind           Kind
	Role           Role
	Status         Status
	CallerID       string
	StartedAt      time.Time
	AudioEnabled   bool
	VideoEnabled   bool
	SpeakerOn      bool
}

// Transport is the outbound half of the signaling channel.
type Transport interface {
	Initiate(ctx context.Context, conversationID, callType string, isGroupCall bool) (signaling.CallInfo, error)
	Accept(ctx context.Context, callID string) error
	Decline(ctx context.Context, callID, reason string) error
	End(ctx context.Context, callID string) error
	SendNegotiation(ctx context.Context, callID string, n signaling.Negotiation) error
}

// MediaSession is the media half of one call, satisfied by *media.Session.
type MediaSession interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(webrtc.ICECandidateInit) error
	SetAudioEnabled(on bool) bool
	SetVideoEnabled(on bool) bool
	SetSpeaker(on bool) bool
	AudioEnabled() bool
	VideoEnabled() bool
	SpeakerOn() bool
	Teardown()
}

// MediaFactory creates the media session for a call.
type MediaFactory func(kind media.Kind, cb media.Callbacks) (MediaSession, error)

// session is the mutable state of the one active call. All access is
// serialized by the orchestrator's mutex.
type session struct {
	id             string
	conversationID string
	kind           Kind
	role           Role
	status         Status
	callerID       string
	startedAt      time.Time

	// remoteUserID addresses outbound negotiation. Empty for the caller,
	// whose payloads fan out via the backend.
	remoteUserID string

	media MediaSession
	neg   negotiationState
}

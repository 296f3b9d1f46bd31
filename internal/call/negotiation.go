package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/gofrts/callkit/internal/signaling"
)

// phase tracks offer/answer progress independently of the peer connection, so
// gating decisions stay valid even before a media session exists.
type phase string

const (
	phaseIdle            phase = "no-session"
	phaseHaveLocalOffer  phase = "have-local-offer"
	phaseHaveRemoteOffer phase = "have-remote-offer"
	phaseStable          phase = "stable"
)

// negotiationState holds the per-call negotiation bookkeeping: the current
// phase, remote candidates that arrived before the remote description, and an
// offer that arrived while the callee was still ringing.
type negotiationState struct {
	phase phase

	// pendingRemote buffers remote candidates in arrival order until the
	// remote description is applied.
	pendingRemote []webrtc.ICECandidateInit

	// deferredOffer is an offer received before Accept. It is applied
	// exactly once, when the callee answers.
	deferredOffer     *signaling.SDP
	deferredOfferFrom string
}

func (n *negotiationState) bufferCandidate(init webrtc.ICECandidateInit) {
	n.pendingRemote = append(n.pendingRemote, init)
}

// takePending drains the buffer, preserving arrival order.
func (n *negotiationState) takePending() []webrtc.ICECandidateInit {
	pending := n.pendingRemote
	n.pendingRemote = nil
	return pending
}

func (n *negotiationState) deferOffer(sdp signaling.SDP, from string) {
	n.deferredOffer = &sdp
	n.deferredOfferFrom = from
}

// takeDeferredOffer returns and clears the deferred offer so it can never be
// replayed twice.
func (n *negotiationState) takeDeferredOffer() (signaling.SDP, string, bool) {
	if n.deferredOffer == nil {
		return signaling.SDP{}, "", false
	}
	sdp := *n.deferredOffer
	from := n.deferredOfferFrom
	n.deferredOffer = nil
	n.deferredOfferFrom = ""
	return sdp, from, true
}

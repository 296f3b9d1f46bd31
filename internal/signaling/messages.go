// Package signaling carries call control and WebRTC negotiation between this
// device and the backend: push events arrive over a WebSocket, outbound
// control and negotiation go over REST.
package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// Push event names delivered on the WebSocket channel.
const (
	pushCallIncoming = "call_incoming"
	pushCallAccepted = "call_accepted"
	pushCallDeclined = "call_declined"
	pushCallEnded    = "call_ended"
	pushCallJoined   = "call_joined"
	pushNegotiation  = "webrtc_signaling"
)

// NegotiationType discriminates negotiation payloads.
type NegotiationType string

const (
	NegotiationOffer     NegotiationType = "offer"
	NegotiationAnswer    NegotiationType = "answer"
	NegotiationCandidate NegotiationType = "ice-candidate"
)

// SDP is the wire form of a session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the wire form of an ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Negotiation is a single offer, answer or candidate exchanged for a call.
// Exactly one of SDP/Candidate is set, matching Type. On the wire the payload
// travels as {"type": ..., "data": <sdp or candidate>, "toUserId": ...}.
type Negotiation struct {
	Type      NegotiationType
	SDP       *SDP
	Candidate *Candidate

	// ToUserID addresses the payload to one participant. Empty means the
	// backend fans out to everyone else on the call.
	ToUserID string
	// FromUserID is set by the backend on inbound payloads.
	FromUserID string
}

type negotiationWire struct {
	Type       NegotiationType `json:"type"`
	Data       json.RawMessage `json:"data"`
	ToUserID   string          `json:"toUserId,omitempty"`
	FromUserID string          `json:"fromUserId,omitempty"`
}

func (n Negotiation) MarshalJSON() ([]byte, error) {
	var payload any
	switch n.Type {
	case NegotiationOffer, NegotiationAnswer:
		payload = n.SDP
	case NegotiationCandidate:
		payload = n.Candidate
	default:
		return nil, fmt.Errorf("unsupported negotiation type %q", n.Type)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(negotiationWire{
		Type:       n.Type,
		Data:       data,
		ToUserID:   n.ToUserID,
		FromUserID: n.FromUserID,
	})
}

func (n *Negotiation) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var w negotiationWire
	if err := dec.Decode(&w); err != nil {
		return err
	}

	*n = Negotiation{Type: w.Type, ToUserID: w.ToUserID, FromUserID: w.FromUserID}
	switch w.Type {
	case NegotiationOffer, NegotiationAnswer:
		var s SDP
		if err := json.Unmarshal(w.Data, &s); err != nil {
			return err
		}
		n.SDP = &s
	case NegotiationCandidate:
		var c Candidate
		if err := json.Unmarshal(w.Data, &c); err != nil {
			return err
		}
		n.Candidate = &c
	}
	// Unknown types fail validate() at the call site.
	return nil
}

func OfferNegotiation(desc webrtc.SessionDescription, toUserID string) Negotiation {
	s := SDPFromPion(desc)
	return Negotiation{Type: NegotiationOffer, SDP: &s, ToUserID: toUserID}
}

func AnswerNegotiation(desc webrtc.SessionDescription, toUserID string) Negotiation {
	s := SDPFromPion(desc)
	return Negotiation{Type: NegotiationAnswer, SDP: &s, ToUserID: toUserID}
}

func CandidateNegotiation(init webrtc.ICECandidateInit, toUserID string) Negotiation {
	c := CandidateFromPion(init)
	return Negotiation{Type: NegotiationCandidate, Candidate: &c, ToUserID: toUserID}
}

func (n Negotiation) validate() error {
	switch n.Type {
	case NegotiationOffer:
		if n.SDP == nil {
			return fmt.Errorf("offer missing sdp")
		}
		if n.SDP.Type != "offer" {
			return fmt.Errorf("offer has sdp.type=%q", n.SDP.Type)
		}
		if n.Candidate != nil {
			return fmt.Errorf("offer has unexpected candidate")
		}
	case NegotiationAnswer:
		if n.SDP == nil {
			return fmt.Errorf("answer missing sdp")
		}
		if n.SDP.Type != "answer" {
			return fmt.Errorf("answer has sdp.type=%q", n.SDP.Type)
		}
		if n.Candidate != nil {
			return fmt.Errorf("answer has unexpected candidate")
		}
	case NegotiationCandidate:
		if n.Candidate == nil {
			return fmt.Errorf("candidate payload missing candidate")
		}
		if n.SDP != nil {
			return fmt.Errorf("candidate payload has unexpected sdp")
		}
	default:
		return fmt.Errorf("unsupported negotiation type %q", n.Type)
	}
	return nil
}

// IncomingCall announces a ringing call to this device.
type IncomingCall struct {
	CallSessionID  string `json:"callSessionId"`
	CallerID       string `json:"callerId"`
	ConversationID string `json:"conversationId"`
	CallType       string `json:"callType"`
}

func (e IncomingCall) validate() error {
	if e.CallSessionID == "" {
		return fmt.Errorf("call_incoming missing callSessionId")
	}
	if e.CallerID == "" {
		return fmt.Errorf("call_incoming missing callerId")
	}
	switch e.CallType {
	case "audio", "video":
	default:
		return fmt.Errorf("call_incoming has callType=%q", e.CallType)
	}
	return nil
}

// CallState reports a remote lifecycle transition for an existing call.
type CallState struct {
	CallSessionID string `json:"callSessionId"`
	UserID        string `json:"userId,omitempty"`
}

func (e CallState) validate() error {
	if e.CallSessionID == "" {
		return fmt.Errorf("missing callSessionId")
	}
	return nil
}

type pushEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func parsePushEvent(data []byte) (pushEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var evt pushEvent
	if err := dec.Decode(&evt); err != nil {
		return pushEvent{}, err
	}
	if evt.Event == "" {
		return pushEvent{}, fmt.Errorf("push event missing event name")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return pushEvent{}, fmt.Errorf("unexpected trailing data")
	}
	return evt, nil
}

func decodeStrict(data []byte, v interface{ validate() error }) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return v.validate()
}

package call

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/gofrts/callkit/internal/eventbus"
	"github.com/gofrts/callkit/internal/media"
	"github.com/gofrts/callkit/internal/metrics"
	"github.com/gofrts/callkit/internal/signaling"
)

// Orchestrator owns the one active call. Every operation and push event runs
// to completion under a single mutex, so state transitions never interleave.
// Stale or duplicate remote events are logged and dropped, never errors.
type Orchestrator struct {
	transport Transport
	newMedia  MediaFactory
	bus       *eventbus.Bus
	mtr       *metrics.Metrics
	log       zerolog.Logger

	// speakerOnForVideo routes video calls to the speaker when they connect.
	speakerOnForVideo bool

	mu  sync.Mutex
	cur *session
}

type Options struct {
	Transport         Transport
	Media             MediaFactory
	Bus               *eventbus.Bus
	Metrics           *metrics.Metrics
	Logger            zerolog.Logger
	SpeakerOnForVideo bool
}

func NewOrchestrator(opts Options) *Orchestrator {
	return &Orchestrator{
		transport:         opts.Transport,
		newMedia:          opts.Media,
		bus:               opts.Bus,
		mtr:               opts.Metrics,
		log:               opts.Logger.With().Str("component", "call").Logger(),
		speakerOnForVideo: opts.SpeakerOnForVideo,
	}
}

// Initiate starts an outgoing call: creates the session on the backend, builds
// the media session, and sends the offer. The call rings until the remote side
// accepts or declines.
func (o *Orchestrator) Initiate(ctx context.Context, conversationID string, kind Kind, isGroupCall bool) (Info, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cur != nil {
		return Info{}, ErrBusy
	}

	info, err := o.transport.Initiate(ctx, conversationID, string(kind), isGroupCall)
	if err != nil {
		return Info{}, err
	}

	sess := &session{
		id:             info.ID,
		conversationID: conversationID,
		kind:           kind,
		role:           RoleCaller,
		status:         StatusRinging,
		callerID:       info.CallerID,
		startedAt:      time.Now(),
		neg:            negotiationState{phase: phaseIdle},
	}

	m, err := o.newMedia(kind.mediaKind(), o.mediaCallbacks(info.ID))
	if err != nil {
		o.abandonCall(ctx, info.ID)
		o.bus.Emit(eventbus.EventCallFailed, info.ID)
		return Info{}, err
	}
	sess.media = m

	offer, err := m.CreateOffer()
	if err != nil {
		m.Teardown()
		o.abandonCall(ctx, info.ID)
		return Info{}, err
	}
	if err := o.transport.SendNegotiation(ctx, info.ID, signaling.OfferNegotiation(offer, "")); err != nil {
		m.Teardown()
		o.abandonCall(ctx, info.ID)
		return Info{}, err
	}
	sess.neg.phase = phaseHaveLocalOffer

	o.cur = sess
	o.log.Info().Str("call_id", sess.id).Str("kind", string(kind)).Msg("outgoing call ringing")
	return o.snapshot(sess), nil
}

// Accept answers the ringing incoming call. A deferred offer, if one arrived
// while ringing, is applied exactly here.
func (o *Orchestrator) Accept(ctx context.Context) (Info, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess := o.cur
	if sess == nil {
		return Info{}, ErrNoCall
	}
	if sess.role != RoleCallee || sess.status != StatusRinging {
		return Info{}, ErrBadState
	}

	if err := o.transport.Accept(ctx, sess.id); err != nil {
		return Info{}, err
	}

	m, err := o.newMedia(sess.kind.mediaKind(), o.mediaCallbacks(sess.id))
	if err != nil {
		o.abandonCall(ctx, sess.id)
		o.cur = nil
		o.bus.Emit(eventbus.EventCallFailed, sess.id)
		return Info{}, err
	}
	sess.media = m
	sess.status = StatusAnswered
	o.mtr.Inc(metrics.CallsAnswered)

	if sess.kind == KindVideo && o.speakerOnForVideo {
		m.SetSpeaker(true)
	}

	if sdp, from, ok := sess.neg.takeDeferredOffer(); ok {
		o.applyRemoteOffer(ctx, sess, sdp, from)
	}

	o.log.Info().Str("call_id", sess.id).Msg("call answered")
	o.bus.Emit(eventbus.EventCallAccepted, o.snapshot(sess))
	return o.snapshot(sess), nil
}

// Decline rejects the ringing incoming call. The reason is forwarded to the
// caller and may be empty.
func (o *Orchestrator) Decline(ctx context.Context, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess := o.cur
	if sess == nil {
		return ErrNoCall
	}
	if sess.role != RoleCallee || sess.status != StatusRinging {
		return ErrBadState
	}

	if err := o.transport.Decline(ctx, sess.id, reason); err != nil {
		return err
	}
	o.teardown(sess)
	o.cur = nil
	o.log.Info().Str("call_id", sess.id).Msg("call declined")
	o.bus.Emit(eventbus.EventCallDeclined, sess.id)
	return nil
}

// End hangs up the active call. Local cleanup runs even when the backend call
// fails, so the device never gets stuck in a phantom call.
func (o *Orchestrator) End(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess := o.cur
	if sess == nil {
		return ErrNoCall
	}

	if err := o.transport.End(ctx, sess.id); err != nil {
		o.log.Warn().Err(err).Str("call_id", sess.id).Msg("backend end failed, cleaning up anyway")
	}
	o.teardown(sess)
	o.cur = nil
	o.mtr.Inc(metrics.CallsEnded)
	o.log.Info().Str("call_id", sess.id).Msg("call ended")
	o.bus.Emit(eventbus.EventCallEnded, sess.id)
	return nil
}

// ToggleAudio flips the outgoing audio mute and returns the new state.
func (o *Orchestrator) ToggleAudio() (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess := o.cur
	if sess == nil || sess.media == nil {
		return false, ErrNoCall
	}
	return sess.media.SetAudioEnabled(!sess.media.AudioEnabled()), nil
}

// ToggleVideo flips the outgoing video mute and returns the new state.
func (o *Orchestrator) ToggleVideo() (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess := o.cur
	if sess == nil || sess.media == nil {
		return false, ErrNoCall
	}
	return sess.media.SetVideoEnabled(!sess.media.VideoEnabled()), nil
}

// ToggleSpeaker flips audio routing between speaker and earpiece.
func (o *Orchestrator) ToggleSpeaker() (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess := o.cur
	if sess == nil || sess.media == nil {
		return false, ErrNoCall
	}
	return sess.media.SetSpeaker(!sess.media.SpeakerOn()), nil
}

// CurrentCall returns a snapshot of the active call, if any.
func (o *Orchestrator) CurrentCall() (Info, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur == nil {
		return Info{}, false
	}
	return o.snapshot(o.cur), true
}

// HasIncomingCall reports whether an incoming call is ringing.
func (o *Orchestrator) HasIncomingCall() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cur != nil && o.cur.role == RoleCallee && o.cur.status == StatusRinging
}

// HandleIncomingCall rings a new incoming call. A device already on a call
// declines the new one.
func (o *Orchestrator) HandleIncomingCall(evt signaling.IncomingCall) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cur != nil {
		if o.cur.id == evt.CallSessionID {
			o.drop("call_incoming", evt.CallSessionID, metrics.DropReasonDuplicateOffer)
			return
		}
		o.log.Info().Str("call_id", evt.CallSessionID).Str("active_call_id", o.cur.id).Msg("busy, declining incoming call")
		go func() {
			if err := o.transport.Decline(context.Background(), evt.CallSessionID, "busy"); err != nil {
				o.log.Warn().Err(err).Str("call_id", evt.CallSessionID).Msg("busy decline failed")
			}
		}()
		return
	}

	kind := KindAudio
	if evt.CallType == "video" {
		kind = KindVideo
	}
	o.cur = &session{
		id:             evt.CallSessionID,
		conversationID: evt.ConversationID,
		kind:           kind,
		role:           RoleCallee,
		status:         StatusRinging,
		callerID:       evt.CallerID,
		remoteUserID:   evt.CallerID,
		startedAt:      time.Now(),
		neg:            negotiationState{phase: phaseIdle},
	}
	o.log.Info().Str("call_id", evt.CallSessionID).Str("caller_id", evt.CallerID).Msg("incoming call ringing")
	o.bus.Emit(eventbus.EventIncomingCall, evt)
}

// HandleCallAccepted marks an outgoing ringing call as answered by the remote
// side. The actual negotiation happens when the answer payload arrives.
func (o *Orchestrator) HandleCallAccepted(evt signaling.CallState) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess := o.cur
	if sess == nil || sess.id != evt.CallSessionID {
		o.drop("call_accepted", evt.CallSessionID, metrics.DropReasonStaleCall)
		return
	}
	if sess.role != RoleCaller || sess.status != StatusRinging {
		o.drop("call_accepted", evt.CallSessionID, metrics.DropReasonBadTransition)
		return
	}

	sess.status = StatusAnswered
	if sess.kind == KindVideo && o.speakerOnForVideo && sess.media != nil {
		sess.media.SetSpeaker(true)
	}
	o.log.Info().Str("call_id", sess.id).Msg("remote side accepted")
	o.bus.Emit(eventbus.EventCallAccepted, o.snapshot(sess))
}

// HandleCallDeclined tears down an outgoing ringing call the remote rejected.
func (o *Orchestrator) HandleCallDeclined(evt signaling.CallState) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess := o.cur
	if sess == nil || sess.id != evt.CallSessionID {
		o.drop("call_declined", evt.CallSessionID, metrics.DropReasonStaleCall)
		return
	}
	if sess.role != RoleCaller || sess.status != StatusRinging {
		o.drop("call_declined", evt.CallSessionID, metrics.DropReasonBadTransition)
		return
	}

	o.teardown(sess)
	o.cur = nil
	o.log.Info().Str("call_id", sess.id).Msg("remote side declined")
	o.bus.Emit(eventbus.EventCallDeclined, sess.id)
}

// HandleCallEnded tears down the active call. Events for calls that are not
// the active one are stale and ignored, which also makes repeats harmless.
func (o *Orchestrator) HandleCallEnded(evt signaling.CallState) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess := o.cur
	if sess == nil || sess.id != evt.CallSessionID {
		o.drop("call_ended", evt.CallSessionID, metrics.DropReasonStaleCall)
		return
	}

	o.teardown(sess)
	o.cur = nil
	o.mtr.Inc(metrics.CallsEnded)
	o.log.Info().Str("call_id", sess.id).Msg("remote side ended call")
	o.bus.Emit(eventbus.EventCallEnded, sess.id)
}

// HandleCallJoined records another participant joining a multi-party call.
func (o *Orchestrator) HandleCallJoined(evt signaling.CallState) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess := o.cur
	if sess == nil || sess.id != evt.CallSessionID {
		o.drop("call_joined", evt.CallSessionID, metrics.DropReasonStaleCall)
		return
	}
	o.log.Info().Str("call_id", sess.id).Str("user_id", evt.UserID).Msg("participant joined")
	o.bus.Emit(eventbus.EventCallJoined, evt)
}

// HandleNegotiation routes an inbound offer, answer or candidate.
func (o *Orchestrator) HandleNegotiation(n signaling.Negotiation) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch n.Type {
	case signaling.NegotiationOffer:
		o.handleOffer(n)
	case signaling.NegotiationAnswer:
		o.handleAnswer(n)
	case signaling.NegotiationCandidate:
		o.handleCandidate(n)
	default:
		o.log.Warn().Str("type", string(n.Type)).Msg("dropping unknown negotiation type")
	}
}

func (o *Orchestrator) handleOffer(n signaling.Negotiation) {
	sess := o.cur
	if sess == nil {
		o.drop("offer", "", metrics.DropReasonStaleCall)
		return
	}
	if n.SDP == nil {
		o.drop("offer", sess.id, metrics.DropReasonBadTransition)
		return
	}

	// An offer that beats our Accept is held until the user answers.
	if sess.role == RoleCallee && sess.status == StatusRinging {
		if sess.neg.deferredOffer != nil {
			o.drop("offer", sess.id, metrics.DropReasonDuplicateOffer)
			return
		}
		sess.neg.deferOffer(*n.SDP, n.FromUserID)
		o.mtr.Inc(metrics.OfferDeferred)
		o.log.Info().Str("call_id", sess.id).Msg("offer arrived before accept, deferred")
		return
	}

	if sess.status != StatusAnswered || sess.media == nil {
		o.drop("offer", sess.id, metrics.DropReasonBadTransition)
		return
	}
	if sess.media.HasRemoteDescription() {
		o.drop("offer", sess.id, metrics.DropReasonDuplicateOffer)
		return
	}
	if sess.neg.phase == phaseHaveLocalOffer {
		o.drop("offer", sess.id, metrics.DropReasonBadTransition)
		return
	}

	o.applyRemoteOffer(context.Background(), sess, *n.SDP, n.FromUserID)
}

func (o *Orchestrator) handleAnswer(n signaling.Negotiation) {
	sess := o.cur
	if sess == nil {
		o.drop("answer", "", metrics.DropReasonStaleCall)
		return
	}
	if n.SDP == nil || sess.media == nil {
		o.drop("answer", sess.id, metrics.DropReasonBadTransition)
		return
	}
	if sess.neg.phase != phaseHaveLocalOffer || sess.media.HasRemoteDescription() {
		o.drop("answer", sess.id, metrics.DropReasonDuplicateAnswer)
		return
	}

	desc, err := n.SDP.ToPion()
	if err != nil {
		o.log.Warn().Err(err).Str("call_id", sess.id).Msg("dropping malformed answer")
		return
	}
	if err := sess.media.SetRemoteDescription(desc); err != nil {
		o.log.Error().Err(err).Str("call_id", sess.id).Msg("applying answer failed")
		return
	}
	sess.neg.phase = phaseStable
	o.flushCandidates(sess)
	o.log.Info().Str("call_id", sess.id).Msg("answer applied")
}

func (o *Orchestrator) handleCandidate(n signaling.Negotiation) {
	sess := o.cur
	if sess == nil {
		o.drop("candidate", "", metrics.DropReasonStaleCall)
		return
	}
	if n.Candidate == nil {
		o.drop("candidate", sess.id, metrics.DropReasonBadTransition)
		return
	}

	init := n.Candidate.ToPion()
	if sess.media == nil || !sess.media.HasRemoteDescription() {
		sess.neg.bufferCandidate(init)
		o.mtr.Inc(metrics.CandidateBuffered)
		return
	}
	if err := sess.media.AddICECandidate(init); err != nil {
		o.log.Warn().Err(err).Str("call_id", sess.id).Msg("adding remote candidate failed")
	}
}

// applyRemoteOffer sets the remote offer, flushes buffered candidates, and
// sends the answer back. Called with the orchestrator mutex held.
func (o *Orchestrator) applyRemoteOffer(ctx context.Context, sess *session, sdp signaling.SDP, from string) {
	desc, err := sdp.ToPion()
	if err != nil {
		o.log.Warn().Err(err).Str("call_id", sess.id).Msg("dropping malformed offer")
		return
	}
	if err := sess.media.SetRemoteDescription(desc); err != nil {
		o.log.Error().Err(err).Str("call_id", sess.id).Msg("applying offer failed")
		return
	}
	sess.neg.phase = phaseHaveRemoteOffer
	o.flushCandidates(sess)

	answer, err := sess.media.CreateAnswer()
	if err != nil {
		o.log.Error().Err(err).Str("call_id", sess.id).Msg("creating answer failed")
		return
	}

	to := from
	if to == "" {
		to = sess.callerID
	}
	if err := o.transport.SendNegotiation(ctx, sess.id, signaling.AnswerNegotiation(answer, to)); err != nil {
		o.log.Error().Err(err).Str("call_id", sess.id).Msg("sending answer failed")
		return
	}
	sess.neg.phase = phaseStable
	o.log.Info().Str("call_id", sess.id).Msg("offer applied, answer sent")
}

// flushCandidates applies every buffered remote candidate in arrival order.
// Called with the orchestrator mutex held, after the remote description is set.
func (o *Orchestrator) flushCandidates(sess *session) {
	for _, init := range sess.neg.takePending() {
		if err := sess.media.AddICECandidate(init); err != nil {
			o.log.Warn().Err(err).Str("call_id", sess.id).Msg("flushing buffered candidate failed")
			continue
		}
		o.mtr.Inc(metrics.CandidateFlushed)
	}
}

func (o *Orchestrator) mediaCallbacks(callID string) media.Callbacks {
	return media.Callbacks{
		OnLocalCandidate: func(init webrtc.ICECandidateInit) {
			o.sendLocalCandidate(callID, init)
		},
		OnRemoteTrack: func(kind string) {
			o.bus.Emit(eventbus.EventRemoteTrack, kind)
		},
		OnConnectionState: func(state webrtc.PeerConnectionState) {
			o.handleConnectionState(callID, state)
		},
	}
}

func (o *Orchestrator) sendLocalCandidate(callID string, init webrtc.ICECandidateInit) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess := o.cur
	if sess == nil || sess.id != callID {
		return
	}
	n := signaling.CandidateNegotiation(init, sess.remoteUserID)
	if err := o.transport.SendNegotiation(context.Background(), sess.id, n); err != nil {
		o.log.Warn().Err(err).Str("call_id", sess.id).Msg("sending local candidate failed")
		return
	}
	o.mtr.Inc(metrics.CandidateSent)
}

func (o *Orchestrator) handleConnectionState(callID string, state webrtc.PeerConnectionState) {
	o.bus.Emit(eventbus.EventConnectionState, state.String())

	o.mu.Lock()
	defer o.mu.Unlock()
	sess := o.cur
	if sess == nil || sess.id != callID {
		return
	}

	// Some platforms reset audio routing when the audio session restarts, so
	// reassert the chosen route once media is flowing.
	if state == webrtc.PeerConnectionStateConnected {
		if sess.media != nil {
			sess.media.SetSpeaker(sess.media.SpeakerOn())
		}
		return
	}
	if state != webrtc.PeerConnectionStateFailed {
		return
	}
	o.log.Error().Str("call_id", sess.id).Msg("peer connection failed, ending call")
	o.teardown(sess)
	o.cur = nil
	o.bus.Emit(eventbus.EventCallFailed, sess.id)
	go func() {
		if err := o.transport.End(context.Background(), callID); err != nil {
			o.log.Warn().Err(err).Str("call_id", callID).Msg("backend end after failure failed")
		}
	}()
}

// abandonCall best-effort ends a call that never got off the ground.
func (o *Orchestrator) abandonCall(ctx context.Context, callID string) {
	if err := o.transport.End(ctx, callID); err != nil {
		o.log.Warn().Err(err).Str("call_id", callID).Msg("abandoning call failed")
	}
}

// teardown releases the session's media. Clearing o.cur is the caller's job.
func (o *Orchestrator) teardown(sess *session) {
	sess.status = StatusEnded
	sess.neg = negotiationState{phase: phaseIdle}
	if sess.media != nil {
		sess.media.Teardown()
	}
}

func (o *Orchestrator) drop(event, callID string, reason string) {
	o.mtr.Inc(reason)
	o.log.Debug().Str("event", event).Str("call_id", callID).Str("reason", reason).Msg("dropping signaling event")
}

func (o *Orchestrator) snapshot(sess *session) Info {
	info := Info{
		ID:             sess.id,
		ConversationID: sess.conversationID,
		Kind:           sess.kind,
		Role:           sess.role,
		Status:         sess.status,
		CallerID:       sess.callerID,
		StartedAt:      sess.startedAt,
	}
	if sess.media != nil {
		info.AudioEnabled = sess.media.AudioEnabled()
		info.VideoEnabled = sess.media.VideoEnabled()
		info.SpeakerOn = sess.media.SpeakerOn()
	}
	return info
}

package call

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gofrts/callkit/internal/eventbus"
	"github.com/gofrts/callkit/internal/media"
	"github.com/gofrts/callkit/internal/metrics"
	"github.com/gofrts/callkit/internal/signaling"
)

type fakeTransport struct {
	initiated []string
	accepted  []string
	declined  []string
	ended     []string
	sent      []signaling.Negotiation

	initiateErr error
	sendErr     error
}

func (f *fakeTransport) Initiate(_ context.Context, conversationID, _ string, _ bool) (signaling.CallInfo, error) {
	if f.initiateErr != nil {
		return signaling.CallInfo{}, f.initiateErr
	}
	f.initiated = append(f.initiated, conversationID)
	return signaling.CallInfo{ID: "call-1", CallerID: "me"}, nil
}

func (f *fakeTransport) Accept(_ context.Context, callID string) error {
	f.accepted = append(f.accepted, callID)
	return nil
}

func (f *fakeTransport) Decline(_ context.Context, callID, _ string) error {
	f.declined = append(f.declined, callID)
	return nil
}

func (f *fakeTransport) End(_ context.Context, callID string) error {
	f.ended = append(f.ended, callID)
	return nil
}

func (f *fakeTransport) SendNegotiation(_ context.Context, _ string, n signaling.Negotiation) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeTransport) sentTypes() []signaling.NegotiationType {
	types := make([]signaling.NegotiationType, 0, len(f.sent))
	for _, n := range f.sent {
		types = append(types, n.Type)
	}
	return types
}

type fakeMedia struct {
	remote        *webrtc.SessionDescription
	added         []webrtc.ICECandidateInit
	teardownCalls int
	audioOn       bool
	videoOn       bool
	speakerOn     bool
	speakerCalls  int
	offersMade    int
	answersMade   int
}

func (f *fakeMedia) CreateOffer() (webrtc.SessionDescription, error) {
	f.offersMade++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}, nil
}

func (f *fakeMedia) CreateAnswer() (webrtc.SessionDescription, error) {
	f.answersMade++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}, nil
}

func (f *fakeMedia) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.remote = &desc
	return nil
}

func (f *fakeMedia) HasRemoteDescription() bool { return f.remote != nil }

func (f *fakeMedia) AddICECandidate(init webrtc.ICECandidateInit) error {
	f.added = append(f.added, init)
	return nil
}

func (f *fakeMedia) SetAudioEnabled(on bool) bool { f.audioOn = on; return on }

func (f *fakeMedia) SetVideoEnabled(on bool) bool { f.videoOn = on; return on }

func (f *fakeMedia) SetSpeaker(on bool) bool {
	f.speakerCalls++
	f.speakerOn = on
	return on
}

func (f *fakeMedia) AudioEnabled() bool { return f.audioOn }

func (f *fakeMedia) VideoEnabled() bool { return f.videoOn }

func (f *fakeMedia) SpeakerOn() bool { return f.speakerOn }

func (f *fakeMedia) Teardown() { f.teardownCalls++ }

type fixture struct {
	orch  *Orchestrator
	trans *fakeTransport
	med   *fakeMedia
	mtr   *metrics.Metrics
	bus   *eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	trans := &fakeTransport{}
	med := &fakeMedia{audioOn: true, videoOn: true}
	mtr := metrics.New()
	bus := eventbus.New(zerolog.Nop())
	orch := NewOrchestrator(Options{
		Transport: trans,
		Media: func(media.Kind, media.Callbacks) (MediaSession, error) {
			return med, nil
		},
		Bus:               bus,
		Metrics:           mtr,
		Logger:            zerolog.Nop(),
		SpeakerOnForVideo: true,
	})
	return &fixture{orch: orch, trans: trans, med: med, mtr: mtr, bus: bus}
}

func incoming(id string) signaling.IncomingCall {
	return signaling.IncomingCall{
		CallSessionID:  id,
		CallerID:       "u2",
		ConversationID: "conv",
		CallType:       "audio",
	}
}

func offerPayload(from string) signaling.Negotiation {
	sdp := signaling.SDP{Type: "offer", SDP: "v=0\r\n"}
	return signaling.Negotiation{Type: signaling.NegotiationOffer, SDP: &sdp, FromUserID: from}
}

func answerPayload() signaling.Negotiation {
	sdp := signaling.SDP{Type: "answer", SDP: "v=0\r\n"}
	return signaling.Negotiation{Type: signaling.NegotiationAnswer, SDP: &sdp}
}

func candidatePayload(val string) signaling.Negotiation {
	c := signaling.Candidate{Candidate: val}
	return signaling.Negotiation{Type: signaling.NegotiationCandidate, Candidate: &c}
}

func TestInitiateSendsOffer(t *testing.T) {
	f := newFixture(t)

	info, err := f.orch.Initiate(context.Background(), "conv", KindAudio, false)
	require.NoError(t, err)
	assert.Equal(t, "call-1", info.ID)
	assert.Equal(t, RoleCaller, info.Role)
	assert.Equal(t, StatusRinging, info.Status)
	require.Equal(t, []signaling.NegotiationType{signaling.NegotiationOffer}, f.trans.sentTypes())

	_, err = f.orch.Initiate(context.Background(), "conv2", KindAudio, false)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestInitiateCleansUpWhenOfferSendFails(t *testing.T) {
	f := newFixture(t)
	f.trans.sendErr = errors.New("backend down")

	_, err := f.orch.Initiate(context.Background(), "conv", KindAudio, false)
	require.Error(t, err)
	assert.Equal(t, 1, f.med.teardownCalls)
	assert.Equal(t, []string{"call-1"}, f.trans.ended)
	_, active := f.orch.CurrentCall()
	assert.False(t, active)
}

func TestCallerAnswerFlushesBufferedCandidatesInOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Initiate(context.Background(), "conv", KindAudio, false)
	require.NoError(t, err)

	// Remote candidates race ahead of the answer and must be held back.
	f.orch.HandleNegotiation(candidatePayload("cand-1"))
	f.orch.HandleNegotiation(candidatePayload("cand-2"))
	f.orch.HandleNegotiation(candidatePayload("cand-3"))
	assert.Empty(t, f.med.added)
	assert.Equal(t, uint64(3), f.mtr.Get(metrics.CandidateBuffered))

	f.orch.HandleCallAccepted(signaling.CallState{CallSessionID: "call-1"})
	f.orch.HandleNegotiation(answerPayload())

	require.Len(t, f.med.added, 3)
	assert.Equal(t, "cand-1", f.med.added[0].Candidate)
	assert.Equal(t, "cand-2", f.med.added[1].Candidate)
	assert.Equal(t, "cand-3", f.med.added[2].Candidate)
	assert.Equal(t, uint64(3), f.mtr.Get(metrics.CandidateFlushed))

	// Candidates after the answer apply immediately.
	f.orch.HandleNegotiation(candidatePayload("cand-4"))
	require.Len(t, f.med.added, 4)
	assert.Equal(t, "cand-4", f.med.added[3].Candidate)
}

func TestDuplicateAnswerIsDropped(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Initiate(context.Background(), "conv", KindAudio, false)
	require.NoError(t, err)
	f.orch.HandleCallAccepted(signaling.CallState{CallSessionID: "call-1"})

	f.orch.HandleNegotiation(answerPayload())
	first := *f.med.remote

	f.orch.HandleNegotiation(answerPayload())
	assert.Equal(t, first, *f.med.remote)
	assert.Equal(t, uint64(1), f.mtr.Get(metrics.DropReasonDuplicateAnswer))
}

func TestDeferredOfferAppliedExactlyOnceOnAccept(t *testing.T) {
	f := newFixture(t)
	f.orch.HandleIncomingCall(incoming("call-9"))

	// Offer lands while still ringing: deferred, not applied.
	f.orch.HandleNegotiation(offerPayload("u2"))
	assert.Nil(t, f.med.remote)
	assert.Equal(t, uint64(1), f.mtr.Get(metrics.OfferDeferred))

	// A second pre-accept offer is a duplicate.
	f.orch.HandleNegotiation(offerPayload("u2"))
	assert.Equal(t, uint64(1), f.mtr.Get(metrics.DropReasonDuplicateOffer))

	info, err := f.orch.Accept(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusAnswered, info.Status)

	// The deferred offer was applied and answered once.
	require.NotNil(t, f.med.remote)
	assert.Equal(t, 1, f.med.answersMade)
	require.Equal(t, []signaling.NegotiationType{signaling.NegotiationAnswer}, f.trans.sentTypes())
	assert.Equal(t, "u2", f.trans.sent[0].ToUserID)

	// Replaying the same offer after accept is a duplicate no-op.
	f.orch.HandleNegotiation(offerPayload("u2"))
	assert.Equal(t, 1, f.med.answersMade)
	assert.Equal(t, uint64(2), f.mtr.Get(metrics.DropReasonDuplicateOffer))
}

func TestCalleeCandidatesBufferedUntilDeferredOfferApplied(t *testing.T) {
	f := newFixture(t)
	f.orch.HandleIncomingCall(incoming("call-9"))

	f.orch.HandleNegotiation(candidatePayload("early-1"))
	f.orch.HandleNegotiation(offerPayload("u2"))
	f.orch.HandleNegotiation(candidatePayload("early-2"))
	assert.Empty(t, f.med.added)

	_, err := f.orch.Accept(context.Background())
	require.NoError(t, err)

	require.Len(t, f.med.added, 2)
	assert.Equal(t, "early-1", f.med.added[0].Candidate)
	assert.Equal(t, "early-2", f.med.added[1].Candidate)
}

func TestOfferAfterAcceptIsAppliedDirectly(t *testing.T) {
	f := newFixture(t)
	f.orch.HandleIncomingCall(incoming("call-9"))

	_, err := f.orch.Accept(context.Background())
	require.NoError(t, err)
	assert.Nil(t, f.med.remote)

	f.orch.HandleNegotiation(offerPayload(""))
	require.NotNil(t, f.med.remote)
	// The answer falls back to the caller when the payload has no sender.
	require.NotEmpty(t, f.trans.sent)
	assert.Equal(t, "u2", f.trans.sent[len(f.trans.sent)-1].ToUserID)
}

func TestEndCleansUpAndStaleEndedIsNoOp(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Initiate(context.Background(), "conv", KindAudio, false)
	require.NoError(t, err)

	var endedEvents int
	f.bus.On(eventbus.EventCallEnded, func(any) { endedEvents++ })

	require.NoError(t, f.orch.End(context.Background()))
	assert.Equal(t, []string{"call-1"}, f.trans.ended)
	assert.Equal(t, 1, f.med.teardownCalls)
	_, active := f.orch.CurrentCall()
	assert.False(t, active)
	assert.Equal(t, 1, endedEvents)

	// The backend echo of our own end is stale by the time it arrives.
	f.orch.HandleCallEnded(signaling.CallState{CallSessionID: "call-1"})
	assert.Equal(t, 1, f.med.teardownCalls)
	assert.Equal(t, 1, endedEvents)
	assert.Equal(t, uint64(1), f.mtr.Get(metrics.DropReasonStaleCall))

	assert.ErrorIs(t, f.orch.End(context.Background()), ErrNoCall)
}

func TestRemoteEndTearsDownOnce(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Initiate(context.Background(), "conv", KindAudio, false)
	require.NoError(t, err)

	f.orch.HandleCallEnded(signaling.CallState{CallSessionID: "call-1"})
	f.orch.HandleCallEnded(signaling.CallState{CallSessionID: "call-1"})

	assert.Equal(t, 1, f.med.teardownCalls)
	assert.Equal(t, uint64(1), f.mtr.Get(metrics.DropReasonStaleCall))
}

func TestStaleLifecycleEventsAreDropped(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Initiate(context.Background(), "conv", KindAudio, false)
	require.NoError(t, err)

	f.orch.HandleCallAccepted(signaling.CallState{CallSessionID: "other-call"})
	f.orch.HandleCallDeclined(signaling.CallState{CallSessionID: "other-call"})
	f.orch.HandleCallEnded(signaling.CallState{CallSessionID: "other-call"})

	info, active := f.orch.CurrentCall()
	require.True(t, active)
	assert.Equal(t, StatusRinging, info.Status)
	assert.Equal(t, uint64(3), f.mtr.Get(metrics.DropReasonStaleCall))
}

func TestRemoteDeclineTearsDownOutgoingCall(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Initiate(context.Background(), "conv", KindAudio, false)
	require.NoError(t, err)

	f.orch.HandleCallDeclined(signaling.CallState{CallSessionID: "call-1"})
	assert.Equal(t, 1, f.med.teardownCalls)
	_, active := f.orch.CurrentCall()
	assert.False(t, active)
}

func TestDeclineIncomingCall(t *testing.T) {
	f := newFixture(t)
	f.orch.HandleIncomingCall(incoming("call-9"))
	assert.True(t, f.orch.HasIncomingCall())

	require.NoError(t, f.orch.Decline(context.Background(), "not now"))
	assert.Equal(t, []string{"call-9"}, f.trans.declined)
	assert.False(t, f.orch.HasIncomingCall())
	_, active := f.orch.CurrentCall()
	assert.False(t, active)
}

func TestIncomingWhileBusyIsDeclined(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Initiate(context.Background(), "conv", KindAudio, false)
	require.NoError(t, err)

	f.orch.HandleIncomingCall(incoming("call-9"))
	info, active := f.orch.CurrentCall()
	require.True(t, active)
	assert.Equal(t, "call-1", info.ID)
}

func TestToggles(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.ToggleAudio()
	assert.ErrorIs(t, err, ErrNoCall)

	_, err = f.orch.Initiate(context.Background(), "conv", KindVideo, false)
	require.NoError(t, err)

	on, err := f.orch.ToggleAudio()
	require.NoError(t, err)
	assert.False(t, on)
	on, err = f.orch.ToggleAudio()
	require.NoError(t, err)
	assert.True(t, on)

	on, err = f.orch.ToggleVideo()
	require.NoError(t, err)
	assert.False(t, on)

	on, err = f.orch.ToggleSpeaker()
	require.NoError(t, err)
	assert.True(t, on)
}

func TestVideoAcceptRoutesToSpeaker(t *testing.T) {
	f := newFixture(t)
	evt := incoming("call-9")
	evt.CallType = "video"
	f.orch.HandleIncomingCall(evt)

	_, err := f.orch.Accept(context.Background())
	require.NoError(t, err)
	assert.True(t, f.med.speakerOn)
}

func TestConnectedReassertsSpeakerRoute(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Initiate(context.Background(), "conv", KindAudio, false)
	require.NoError(t, err)

	on, err := f.orch.ToggleSpeaker()
	require.NoError(t, err)
	require.True(t, on)
	calls := f.med.speakerCalls

	f.orch.handleConnectionState("call-1", webrtc.PeerConnectionStateConnected)
	assert.Equal(t, calls+1, f.med.speakerCalls)
	assert.True(t, f.med.speakerOn)
}

func TestConnectionFailureEndsCall(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Initiate(context.Background(), "conv", KindAudio, false)
	require.NoError(t, err)

	f.orch.handleConnectionState("call-1", webrtc.PeerConnectionStateFailed)
	assert.Equal(t, 1, f.med.teardownCalls)
	_, active := f.orch.CurrentCall()
	assert.False(t, active)
}

func TestLocalCandidatesAddressedToCaller(t *testing.T) {
	f := newFixture(t)
	f.orch.HandleIncomingCall(incoming("call-9"))
	_, err := f.orch.Accept(context.Background())
	require.NoError(t, err)

	f.orch.sendLocalCandidate("call-9", webrtc.ICECandidateInit{Candidate: "local-1"})
	require.NotEmpty(t, f.trans.sent)
	last := f.trans.sent[len(f.trans.sent)-1]
	assert.Equal(t, signaling.NegotiationCandidate, last.Type)
	assert.Equal(t, "u2", last.ToUserID)
	assert.Equal(t, uint64(1), f.mtr.Get(metrics.CandidateSent))

	// Candidates for a call that is no longer active are discarded.
	require.NoError(t, f.orch.End(context.Background()))
	before := len(f.trans.sent)
	f.orch.sendLocalCandidate("call-9", webrtc.ICECandidateInit{Candidate: "local-2"})
	assert.Len(t, f.trans.sent, before)
}

func TestAcceptMediaFailureEndsCall(t *testing.T) {
	trans := &fakeTransport{}
	mtr := metrics.New()
	bus := eventbus.New(zerolog.Nop())
	var failedEvents int
	bus.On(eventbus.EventCallFailed, func(any) { failedEvents++ })

	orch := NewOrchestrator(Options{
		Transport: trans,
		Media: func(media.Kind, media.Callbacks) (MediaSession, error) {
			return nil, errors.New("microphone busy")
		},
		Bus:     bus,
		Metrics: mtr,
		Logger:  zerolog.Nop(),
	})

	orch.HandleIncomingCall(incoming("call-9"))
	_, err := orch.Accept(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"call-9"}, trans.ended)
	assert.Equal(t, 1, failedEvents)
	_, active := orch.CurrentCall()
	assert.False(t, active)
}

func TestNegotiationWithoutCallIsDropped(t *testing.T) {
	f := newFixture(t)

	f.orch.HandleNegotiation(offerPayload("u2"))
	f.orch.HandleNegotiation(answerPayload())
	f.orch.HandleNegotiation(candidatePayload("cand"))

	assert.Equal(t, uint64(3), f.mtr.Get(metrics.DropReasonStaleCall))
}

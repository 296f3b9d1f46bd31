package metrics

import "sync"

// Counter names. Negotiation drops are expected under normal operation (the
// transport makes no ordering guarantee), so they are counted rather than
// surfaced as errors.
const (
	DropReasonStaleCall       = "drop_stale_call"
	DropReasonDuplicateOffer  = "drop_duplicate_offer"
	DropReasonDuplicateAnswer = "drop_duplicate_answer"
	DropReasonBadTransition   = "drop_bad_transition"

	CandidateBuffered = "candidate_buffered"
	CandidateFlushed  = "candidate_flushed"
	CandidateSent     = "candidate_sent"

	OfferDeferred  = "offer_deferred"
	NegotiationOut = "negotiation_sent"

	JoinRetries  = "join_retries"
	SendFailures = "send_failures"

	CallsInitiated = "calls_initiated"
	CallsAnswered  = "calls_answered"
	CallsEnded     = "calls_ended"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It keeps the orchestrator's drop/retry accounting testable without pulling in
// a metrics backend; the control API exposes it in Prometheus' text format.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

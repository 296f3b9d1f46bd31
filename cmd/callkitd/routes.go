package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/gofrts/callkit/internal/call"
	"github.com/gofrts/callkit/internal/metrics"
)

// controlAPI is the local HTTP surface the device UI drives calls through.
type controlAPI struct {
	orch *call.Orchestrator
	mtr  *metrics.Metrics
	log  zerolog.Logger
}

type initiateBody struct {
	ConversationID string `json:"conversationId"`
	CallType       string `json:"callType"`
	IsGroupCall    bool   `json:"isGroupCall"`
}

type callResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Kind           string    `json:"callType"`
	Role           string    `json:"role"`
	Status         string    `json:"status"`
	CallerID       string    `json:"callerId"`
	StartedAt      time.Time `json:"startedAt"`
	AudioEnabled   bool      `json:"audioEnabled"`
	VideoEnabled   bool      `json:"videoEnabled"`
	SpeakerOn      bool      `json:"speakerOn"`
}

type toggleResponse struct {
	On bool `json:"on"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *controlAPI) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/v1/call", func(r chi.Router) {
		r.Post("/", a.handleInitiate)
		r.Post("/accept", a.handleAccept)
		r.Post("/decline", a.handleDecline)
		r.Post("/end", a.handleEnd)
		r.Post("/toggle/audio", a.handleToggle((*call.Orchestrator).ToggleAudio))
		r.Post("/toggle/video", a.handleToggle((*call.Orchestrator).ToggleVideo))
		r.Post("/toggle/speaker", a.handleToggle((*call.Orchestrator).ToggleSpeaker))
		r.Get("/", a.handleCurrent)
	})
	r.Method(http.MethodGet, "/metrics", metrics.PrometheusHandler(a.mtr))

	return r
}

func (a *controlAPI) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var body initiateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	kind := call.Kind(body.CallType)
	if kind != call.KindAudio && kind != call.KindVideo {
		a.writeError(w, http.StatusBadRequest, errors.New("callType must be audio or video"))
		return
	}
	if body.ConversationID == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("conversationId is required"))
		return
	}

	info, err := a.orch.Initiate(r.Context(), body.ConversationID, kind, body.IsGroupCall)
	if err != nil {
		a.writeCallError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, toCallResponse(info))
}

func (a *controlAPI) handleAccept(w http.ResponseWriter, r *http.Request) {
	info, err := a.orch.Accept(r.Context())
	if err != nil {
		a.writeCallError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, toCallResponse(info))
}

type declineBody struct {
	Reason string `json:"reason"`
}

func (a *controlAPI) handleDecline(w http.ResponseWriter, r *http.Request) {
	var body declineBody
	// The body is optional; an empty reason is fine.
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := a.orch.Decline(r.Context(), body.Reason); err != nil {
		a.writeCallError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *controlAPI) handleEnd(w http.ResponseWriter, r *http.Request) {
	if err := a.orch.End(r.Context()); err != nil {
		a.writeCallError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *controlAPI) handleToggle(toggle func(*call.Orchestrator) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		on, err := toggle(a.orch)
		if err != nil {
			a.writeCallError(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, toggleResponse{On: on})
	}
}

func (a *controlAPI) handleCurrent(w http.ResponseWriter, r *http.Request) {
	info, ok := a.orch.CurrentCall()
	if !ok {
		a.writeError(w, http.StatusNotFound, call.ErrNoCall)
		return
	}
	a.writeJSON(w, http.StatusOK, toCallResponse(info))
}

func (a *controlAPI) writeCallError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, call.ErrBusy):
		a.writeError(w, http.StatusConflict, err)
	case errors.Is(err, call.ErrNoCall):
		a.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, call.ErrBadState):
		a.writeError(w, http.StatusConflict, err)
	default:
		a.writeError(w, http.StatusBadGateway, err)
	}
}

func (a *controlAPI) writeError(w http.ResponseWriter, status int, err error) {
	a.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (a *controlAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn().Err(err).Msg("writing response failed")
	}
}

func toCallResponse(info call.Info) callResponse {
	return callResponse{
		ID:             info.ID,
		ConversationID: info.ConversationID,
		Kind:           string(info.Kind),
		Role:           string(info.Role),
		Status:         string(info.Status),
		CallerID:       info.CallerID,
		StartedAt:      info.StartedAt,
		AudioEnabled:   info.AudioEnabled,
		VideoEnabled:   info.VideoEnabled,
		SpeakerOn:      info.SpeakerOn,
	}
}

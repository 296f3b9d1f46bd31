package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gofrts/callkit/internal/metrics"
)

var (
	// ErrUnauthorized is returned when the backend rejects a request with 403.
	ErrUnauthorized = errors.New("signaling: unauthorized")
	// ErrNotMultiParty is returned by Join when the call has only two
	// participants. Callers treat it as success.
	ErrNotMultiParty = errors.New("signaling: not a multi-party call")
)

// notMultiPartyMessage is the backend's literal response when joining a
// two-party call. It means the join scope is already implied.
const notMultiPartyMessage = "This is not a group call"

// CallInfo identifies a call created by Initiate.
type CallInfo struct {
	ID       string `json:"id"`
	CallerID string `json:"callerId"`
}

type initiateRequest struct {
	ConversationID string `json:"conversationId"`
	CallType       string `json:"callType"`
	IsGroupCall    bool   `json:"isGroupCall"`
}

type initiateResponse struct {
	Data CallInfo `json:"data"`
}

type declineRequest struct {
	Reason string `json:"reason"`
}

type apiError struct {
	Message string `json:"message"`
}

// Client is the outbound REST half of the signaling channel.
type Client struct {
	http *resty.Client
	log  zerolog.Logger
	mtr  *metrics.Metrics
}

func NewClient(baseURL, token string, timeout time.Duration, log zerolog.Logger, mtr *metrics.Metrics) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetAuthToken(token).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{
		http: rc,
		log:  log.With().Str("component", "signaling-client").Logger(),
		mtr:  mtr,
	}
}

// Initiate creates a new call session on the backend.
func (c *Client) Initiate(ctx context.Context, conversationID, callType string, isGroupCall bool) (CallInfo, error) {
	var out initiateResponse
	resp, err := c.newRequest(ctx).
		SetBody(initiateRequest{
			ConversationID: conversationID,
			CallType:       callType,
			IsGroupCall:    isGroupCall,
		}).
		SetResult(&out).
		Post("/calls/initiate")
	if err != nil {
		return CallInfo{}, fmt.Errorf("initiate call: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return CallInfo{}, fmt.Errorf("initiate call: %w", err)
	}
	if out.Data.ID == "" {
		return CallInfo{}, fmt.Errorf("initiate call: response missing call id")
	}
	c.mtr.Inc(metrics.CallsInitiated)
	return out.Data, nil
}

// Accept tells the backend this device answered the call.
func (c *Client) Accept(ctx context.Context, callID string) error {
	return c.postLifecycle(ctx, callID, "accept")
}

// Decline tells the backend this device rejected the ringing call. The reason
// is forwarded for the caller's UI and may be empty.
func (c *Client) Decline(ctx context.Context, callID, reason string) error {
	req := c.newRequest(ctx)
	if reason != "" {
		req.SetBody(declineRequest{Reason: reason})
	}
	resp, err := req.Post("/calls/" + callID + "/decline")
	if err != nil {
		return fmt.Errorf("decline call %s: %w", callID, err)
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("decline call %s: %w", callID, err)
	}
	return nil
}

// End tells the backend this device hung up.
func (c *Client) End(ctx context.Context, callID string) error {
	return c.postLifecycle(ctx, callID, "end")
}

// Join adds this device to the call's signaling scope. Joining a two-party
// call is reported by the backend as an error; that case comes back as
// ErrNotMultiParty, which callers treat as success.
func (c *Client) Join(ctx context.Context, callID string) error {
	resp, err := c.newRequest(ctx).Post("/calls/" + callID + "/join")
	if err != nil {
		return fmt.Errorf("join call %s: %w", callID, err)
	}
	if resp.IsError() {
		var body apiError
		_ = json.Unmarshal(resp.Body(), &body)
		if strings.Contains(body.Message, notMultiPartyMessage) {
			c.log.Debug().Str("call_id", callID).Msg("join skipped, two-party call")
			return ErrNotMultiParty
		}
		return fmt.Errorf("join call %s: %w", callID, statusError(resp))
	}
	return nil
}

// SendNegotiation delivers an offer, answer or candidate for the call. On a
// 403 it joins the call's signaling scope once and retries the send exactly
// once; a second 403 is returned to the caller.
func (c *Client) SendNegotiation(ctx context.Context, callID string, n Negotiation) error {
	err := c.postNegotiation(ctx, callID, n)
	if !errors.Is(err, ErrUnauthorized) {
		if err != nil {
			c.mtr.Inc(metrics.SendFailures)
		} else {
			c.mtr.Inc(metrics.NegotiationOut)
		}
		return err
	}

	c.log.Info().Str("call_id", callID).Msg("negotiation send unauthorized, joining call scope and retrying")
	c.mtr.Inc(metrics.JoinRetries)
	if joinErr := c.Join(ctx, callID); joinErr != nil && !errors.Is(joinErr, ErrNotMultiParty) {
		c.mtr.Inc(metrics.SendFailures)
		return fmt.Errorf("join before retry: %w", joinErr)
	}

	if err := c.postNegotiation(ctx, callID, n); err != nil {
		c.mtr.Inc(metrics.SendFailures)
		return err
	}
	c.mtr.Inc(metrics.NegotiationOut)
	return nil
}

func (c *Client) postNegotiation(ctx context.Context, callID string, n Negotiation) error {
	if err := n.validate(); err != nil {
		return fmt.Errorf("send negotiation: %w", err)
	}
	resp, err := c.newRequest(ctx).
		SetBody(n).
		Post("/calls/" + callID + "/signaling")
	if err != nil {
		return fmt.Errorf("send %s for call %s: %w", n.Type, callID, err)
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("send %s for call %s: %w", n.Type, callID, err)
	}
	return nil
}

func (c *Client) postLifecycle(ctx context.Context, callID, action string) error {
	resp, err := c.newRequest(ctx).Post("/calls/" + callID + "/" + action)
	if err != nil {
		return fmt.Errorf("%s call %s: %w", action, callID, err)
	}
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("%s call %s: %w", action, callID, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", uuid.NewString())
}

func checkStatus(resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}
	return statusError(resp)
}

func statusError(resp *resty.Response) error {
	if resp.StatusCode() == http.StatusForbidden {
		return ErrUnauthorized
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode())
}

package signaling

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	listenerDialTimeout     = 5 * time.Second
	listenerMaxMessageBytes = 1 << 20
)

// EventHandler receives decoded push events. Implementations must tolerate
// out-of-order and duplicate delivery.
type EventHandler interface {
	HandleIncomingCall(evt IncomingCall)
	HandleCallAccepted(evt CallState)
	HandleCallDeclined(evt CallState)
	HandleCallEnded(evt CallState)
	HandleCallJoined(evt CallState)
	HandleNegotiation(n Negotiation)
}

// Listener maintains the push-event WebSocket. It redials with a fixed delay
// until the context is cancelled and dispatches every decoded event to the
// handler. Malformed frames are logged and dropped, never fatal.
type Listener struct {
	url        string
	token      string
	retryDelay time.Duration
	handler    EventHandler
	log        zerolog.Logger

	startOnce sync.Once
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex
	conn   *websocket.Conn

	done chan struct{}
}

func NewListener(url, token string, retryDelay time.Duration, handler EventHandler, log zerolog.Logger) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		url:        url,
		token:      token,
		retryDelay: retryDelay,
		handler:    handler,
		log:        log.With().Str("component", "signaling-listener").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start begins dialing and dispatching. Calling it more than once is a no-op.
func (l *Listener) Start() {
	l.startOnce.Do(func() {
		go l.run()
	})
}

// Close tears the listener down. Idempotent.
func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		l.cancel()

		l.connMu.Lock()
		conn := l.conn
		l.conn = nil
		l.connMu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	<-l.done
}

func (l *Listener) run() {
	defer close(l.done)
	for {
		conn, err := l.dial()
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			l.log.Warn().Err(err).Dur("retry_in", l.retryDelay).Msg("push channel dial failed")
			select {
			case <-l.ctx.Done():
				return
			case <-time.After(l.retryDelay):
			}
			continue
		}

		l.connMu.Lock()
		l.conn = conn
		l.connMu.Unlock()
		l.log.Info().Msg("push channel connected")

		err = l.readLoop(conn)
		_ = conn.Close()
		if l.ctx.Err() != nil {
			return
		}
		l.log.Warn().Err(err).Dur("retry_in", l.retryDelay).Msg("push channel disconnected")
		select {
		case <-l.ctx.Done():
			return
		case <-time.After(l.retryDelay):
		}
	}
}

func (l *Listener) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: listenerDialTimeout}

	header := http.Header{}
	if l.token != "" {
		header.Set("Authorization", "Bearer "+l.token)
	}

	dialCtx, cancel := context.WithTimeout(l.ctx, listenerDialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, l.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(listenerMaxMessageBytes)
	return conn, nil
}

func (l *Listener) readLoop(conn *websocket.Conn) error {
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		l.dispatch(payload)
	}
}

func (l *Listener) dispatch(payload []byte) {
	evt, err := parsePushEvent(payload)
	if err != nil {
		l.log.Warn().Err(err).Msg("dropping malformed push frame")
		return
	}

	switch evt.Event {
	case pushCallIncoming:
		var e IncomingCall
		if err := decodeStrict(evt.Data, &e); err != nil {
			l.log.Warn().Err(err).Str("event", evt.Event).Msg("dropping malformed push event")
			return
		}
		l.handler.HandleIncomingCall(e)
	case pushCallAccepted, pushCallDeclined, pushCallEnded, pushCallJoined:
		var e CallState
		if err := decodeStrict(evt.Data, &e); err != nil {
			l.log.Warn().Err(err).Str("event", evt.Event).Msg("dropping malformed push event")
			return
		}
		switch evt.Event {
		case pushCallAccepted:
			l.handler.HandleCallAccepted(e)
		case pushCallDeclined:
			l.handler.HandleCallDeclined(e)
		case pushCallEnded:
			l.handler.HandleCallEnded(e)
		case pushCallJoined:
			l.handler.HandleCallJoined(e)
		}
	case pushNegotiation:
		var n Negotiation
		if err := decodeStrict(evt.Data, &n); err != nil {
			l.log.Warn().Err(err).Str("event", evt.Event).Msg("dropping malformed negotiation payload")
			return
		}
		l.handler.HandleNegotiation(n)
	default:
		l.log.Debug().Str("event", evt.Event).Msg("ignoring unknown push event")
	}
}

package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	errs "github.com/alexjbarnes/dialog-sync/internal/errors"
	"github.com/coder/websocket"
)

//go:generate mockgen -source=stream.go -destination=mock_stream_test.go -package=messenger -mock_names=wsConn=MockWSConn

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// streamReadLimit bounds one frame. A pushed container rarely
	// exceeds a few hundred kilobytes.
	streamReadLimit = 16 * 1024 * 1024

	inboundChanSize            = 64
	jitterDivisor              = 2
	reconnectBackoffMultiplier = 2
)

// wsConn abstracts the WebSocket connection so Stream can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Sink receives what the push stream delivers. *Engine satisfies it.
type Sink interface {
	ProcessUpdates(u *Updates)
	GetDifference()
}

// inboundMsg wraps a message read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// StreamConfig holds what a Stream needs to connect.
type StreamConfig struct {
	URL   string
	Token string
	Sink  Sink
	// State reports the floor sent in the init frame.
	State func() State
	// Dial overrides the WebSocket dialer, for tests.
	Dial func(ctx context.Context, url, token string) (wsConn, error)
}

// Stream keeps a push connection to the server and feeds the engine.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. The
// event loop (Listen) decodes frames, sends heartbeats and owns every
// write to the connection. After each (re)connect a global difference
// is requested, since pushes sent while disconnected are lost.
type Stream struct {
	logger *slog.Logger

	url   string
	token string
	sink  Sink
	state func() State
	dial  func(ctx context.Context, url, token string) (wsConn, error)

	conn       wsConn
	inboundCh  chan inboundMsg
	connCancel context.CancelFunc

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	connected atomic.Bool
}

func NewStream(cfg StreamConfig, logger *slog.Logger) *Stream {
	s := &Stream{
		logger: logger,
		url:    cfg.URL,
		token:  cfg.Token,
		sink:   cfg.Sink,
		state:  cfg.State,
		dial:   cfg.Dial,
	}
	if s.dial == nil {
		s.dial = dialWebsocket
	}
	if s.state == nil {
		s.state = func() State { return State{} }
	}
	return s
}

func dialWebsocket(ctx context.Context, url, token string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + token},
		},
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Connected reports whether the push connection is live.
func (s *Stream) Connected() bool {
	return s.connected.Load()
}

// Connect dials the push endpoint and authenticates.
func (s *Stream) Connect(ctx context.Context) error {
	if s.connCancel != nil {
		s.connCancel()
	}

	s.logger.Debug("connecting", slog.String("url", s.url))
	conn, err := s.dial(ctx, s.url, s.token)
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}
	return s.handshake(ctx, conn)
}

// handshake sends init with the current floor and waits for ready.
func (s *Stream) handshake(ctx context.Context, conn wsConn) error {
	s.conn = conn
	s.conn.SetReadLimit(streamReadLimit)
	s.touchLastMessage()

	st := s.state()
	init := initFrame{
		Op:    opInit,
		Token: s.token,
		Pts:   st.Pts,
		Qts:   st.Qts,
		Seq:   st.Seq,
		Date:  st.Date,
	}
	if err := s.writeJSON(ctx, init); err != nil {
		s.conn.Close(websocket.StatusInternalError, "init failed")
		return fmt.Errorf("sending init: %w", err)
	}

	_, data, err := s.conn.Read(ctx)
	if err != nil {
		s.conn.Close(websocket.StatusInternalError, "auth read failed")
		return fmt.Errorf("reading init response: %w", err)
	}
	s.touchLastMessage()

	switch op := frameOp(data); op {
	case opReady:
	case opError:
		var ef errorFrame
		_ = json.Unmarshal(data, &ef)
		s.conn.Close(websocket.StatusNormalClosure, "auth failed")
		return &RPCError{Method: "stream.init", Status: ef.Code, Message: ef.Msg}
	default:
		s.conn.Close(websocket.StatusProtocolError, "unexpected frame")
		return fmt.Errorf("unexpected init response %q: %w", op, errs.ErrAPIResponse)
	}

	s.connected.Store(true)
	s.logger.Info("push stream connected",
		slog.Int("pts", st.Pts),
		slog.Int("qts", st.Qts),
		slog.Int("seq", st.Seq),
	)
	return nil
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh until connCtx is cancelled or a read fails. It captures
// the channel and connection so a reader from an old connection cannot
// feed the new one.
func (s *Stream) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	s.inboundCh = ch
	conn := s.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// Listen connects and runs the event loop, reconnecting with jittered
// exponential backoff. It returns on permanent errors or when ctx ends.
func (s *Stream) Listen(ctx context.Context) error {
	backoff := reconnectMin

	for {
		err := s.Connect(ctx)
		if err == nil {
			backoff = reconnectMin
			s.sink.GetDifference()

			connCtx, connCancel := context.WithCancel(ctx)
			s.connCancel = connCancel
			s.startReader(connCtx)

			err = s.eventLoop(ctx, connCtx)
			s.connected.Store(false)
			connCancel()
			if err == nil {
				return nil
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isPermanentError(err) {
			return fmt.Errorf("permanent error: %w", err)
		}

		s.logger.Warn("push stream lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact
		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)
	}
}

// eventLoop handles one connection. Returns on read error, heartbeat
// timeout or context cancellation.
func (s *Stream) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}
			s.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				s.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}
			if err := s.handleInbound(msg.data); err != nil {
				return err
			}

		case <-ticker.C:
			s.lastMsgMu.Lock()
			elapsed := time.Since(s.lastMessage)
			s.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				s.logger.Warn("push stream timed out, closing")
				s.conn.Close(websocket.StatusGoingAway, "timeout")
				return errors.New("heartbeat timeout")
			}
			if elapsed > pingAfter {
				if err := s.writeJSON(ctx, map[string]string{"op": opPing}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			s.conn.Close(websocket.StatusNormalClosure, "shutting down")
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleInbound processes one text frame.
func (s *Stream) handleInbound(data []byte) error {
	switch op := frameOp(data); op {
	case opUpdates:
		u, err := DecodeUpdates(data)
		if err != nil {
			s.logger.Warn("dropping undecodable updates frame",
				slog.String("error", err.Error()),
				slog.Int("bytes", len(data)),
			)
			// The dropped container leaves a gap that the engine
			// closes by differencing.
			return nil
		}
		s.sink.ProcessUpdates(u)
	case opTooLong:
		s.sink.ProcessUpdates(&Updates{Kind: UpdatesTooLong})
	case opPong:
	case opError:
		var ef errorFrame
		_ = json.Unmarshal(data, &ef)
		return &RPCError{Method: "stream", Status: ef.Code, Message: ef.Msg}
	default:
		s.logger.Debug("ignoring frame", slog.String("op", op))
	}
	return nil
}

// isPermanentError returns true for errors that won't resolve on retry.
func isPermanentError(err error) bool {
	return err != nil && errors.Is(err, errs.ErrUnauthorized)
}

func (s *Stream) touchLastMessage() {
	s.lastMsgMu.Lock()
	s.lastMessage = time.Now()
	s.lastMsgMu.Unlock()
}

// writeJSON marshals v to JSON and writes it as a text frame. Only called
// from the event loop or during Connect.
func (s *Stream) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

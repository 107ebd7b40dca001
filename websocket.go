package hostrelay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultPingInterval and DefaultPingTimeout are the liveness parameters used
// when a WebSocketConfig leaves them zero (spec §4.2).
const (
	DefaultPingInterval = 60 * time.Second
	DefaultPingTimeout  = 10 * time.Second
)

// ErrLivenessTimeout is pushed into the adapter (and surfaces as a Read
// error) when no pong is observed within ping_timeout of a ping being sent.
var ErrLivenessTimeout = errors.New("hostrelay: websocket liveness timeout")

// WebSocketConfig configures a dial to the relay.
type WebSocketConfig struct {
	// URL is the ws(s):// endpoint returned by the management client as
	// HostRelayURI.
	URL string
	// Token is the host token presented as "Authorization: tunnel <Token>".
	Token string
	// UserAgent is the caller-supplied User-Agent header value.
	UserAgent string
	// PingInterval and PingTimeout override the liveness defaults; zero means
	// use DefaultPingInterval/DefaultPingTimeout.
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// WebSocketConn adapts a gorilla/websocket connection into a net.Conn full
// duplex byte stream (spec §4.2), with an application-level keepalive state
// machine layered on top.
//
// The spec models liveness as a three-state machine (WillPing,
// SendingPing, WaitingForPong) to accommodate a cooperative runtime where
// even a ping send is a suspend point. Go's WriteControl is a direct
// blocking call, so SendingPing collapses into WillPing's timer-fire
// handler rather than being a separately observable state.
type WebSocketConn struct {
	conn    *websocket.Conn
	adapter *ChunkedByteAdapter
	logger  Logger

	pingInterval time.Duration
	pingTimeout  time.Duration

	writeMu sync.Mutex

	resetCh chan struct{}
	closeCh chan struct{}
	closeOnce sync.Once
}

// DialWebSocket dials the relay's WebSocket endpoint with the headers
// required by spec §4.2/§6.2 and returns a ready-to-use WebSocketConn.
func DialWebSocket(ctx context.Context, cfg WebSocketConfig, logger Logger) (*WebSocketConn, error) {
	header := http.Header{}
	header.Set("Authorization", "tunnel "+cfg.Token)
	if cfg.UserAgent != "" {
		header.Set("User-Agent", cfg.UserAgent)
	}

	dialer := websocket.Dialer{
		Subprotocols:     []string{"tunnel-relay-host"},
		HandshakeTimeout: 45 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial to %s failed with status %s: %w", cfg.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial to %s failed: %w", cfg.URL, err)
	}

	return newWebSocketConn(conn, cfg.PingInterval, cfg.PingTimeout, logger), nil
}

// newWebSocketConn wraps an already-established gorilla/websocket
// connection (from either Dial or a server-side Upgrade) as a WebSocketConn
// and starts its read and liveness loops.
func newWebSocketConn(conn *websocket.Conn, pingInterval, pingTimeout time.Duration, logger Logger) *WebSocketConn {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	if pingTimeout <= 0 {
		pingTimeout = DefaultPingTimeout
	}

	w := &WebSocketConn{
		conn:         conn,
		adapter:      NewChunkedByteAdapter(),
		logger:       logger,
		pingInterval: pingInterval,
		pingTimeout:  pingTimeout,
		resetCh:      make(chan struct{}, 1),
		closeCh:      make(chan struct{}),
	}

	conn.SetPongHandler(func(string) error {
		w.signalActivity()
		return nil
	})

	go w.readLoop()
	go w.livenessLoop()

	return w
}

func (w *WebSocketConn) signalActivity() {
	select {
	case w.resetCh <- struct{}{}:
	default:
	}
}

func (w *WebSocketConn) readLoop() {
	for {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.adapter.PushEOF()
			} else {
				w.adapter.PushError(err)
			}
			return
		}
		switch msgType {
		case websocket.BinaryMessage, websocket.TextMessage:
			w.signalActivity()
			w.adapter.PushChunk(data)
		default:
			// Ping frames are answered transparently by the library; nothing
			// else is meaningful here.
		}
	}
}

func (w *WebSocketConn) livenessLoop() {
	timer := time.NewTimer(w.pingInterval)
	defer timer.Stop()
	waitingForPong := false
	for {
		select {
		case <-w.resetCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.pingInterval)
			waitingForPong = false
		case <-timer.C:
			if waitingForPong {
				if w.logger != nil {
					w.logger.DLogf("websocket liveness timeout after %s", w.pingTimeout)
				}
				w.adapter.PushError(ErrLivenessTimeout)
				return
			}
			w.writeMu.Lock()
			err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.pingTimeout))
			w.writeMu.Unlock()
			if err != nil {
				w.adapter.PushError(err)
				return
			}
			waitingForPong = true
			timer.Reset(w.pingTimeout)
		case <-w.closeCh:
			return
		}
	}
}

// Read implements net.Conn via the underlying chunked byte adapter.
func (w *WebSocketConn) Read(p []byte) (int, error) {
	return w.adapter.Read(p)
}

// Write sends p as a single binary WebSocket frame.
func (w *WebSocketConn) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame and tears down the connection. Per the same
// poll_shutdown-is-a-no-op behavior as ChunkedByteAdapter.Close, this does
// not wait for the peer's close acknowledgement.
func (w *WebSocketConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closeCh)
		w.writeMu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		err = w.conn.Close()
		w.adapter.Close()
	})
	return err
}

func (w *WebSocketConn) LocalAddr() net.Addr  { return w.conn.LocalAddr() }
func (w *WebSocketConn) RemoteAddr() net.Addr { return w.conn.RemoteAddr() }

func (w *WebSocketConn) SetDeadline(t time.Time) error {
	if err := w.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return w.conn.SetWriteDeadline(t)
}

func (w *WebSocketConn) SetReadDeadline(t time.Time) error  { return w.conn.SetReadDeadline(t) }
func (w *WebSocketConn) SetWriteDeadline(t time.Time) error { return w.conn.SetWriteDeadline(t) }

var _ net.Conn = (*WebSocketConn)(nil)

package stream

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn wraps *websocket.Conn with the read-deadline-per-frame liveness
// convention and dial setup: DefaultDialer with a configurable handshake
// timeout and User-Agent header, plus a rolling read deadline refreshed on
// every frame.
type wsConn struct {
	conn *websocket.Conn
}

func dial(ctx context.Context, url string, handshakeTimeout time.Duration) (*wsConn, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout
	header := map[string][]string{"User-Agent": {"chronofeed-marketdata/1.0"}}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

func (w *wsConn) writeText(body []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, body)
}

func (w *wsConn) writePing(payload []byte) error {
	return w.conn.WriteControl(websocket.PingMessage, payload, time.Now().Add(5*time.Second))
}

// readFrame blocks for the next text frame, resetting the read deadline to
// now+liveness before each read so a dead connection surfaces as a read
// error within one liveness window.
func (w *wsConn) readFrame(liveness time.Duration) ([]byte, error) {
	w.conn.SetReadDeadline(time.Now().Add(liveness))
	_, data, err := w.conn.ReadMessage()
	return data, err
}

// closeNormal sends a best-effort normal-closure control frame before the
// caller tears down the socket. Errors are ignored: this is cleanup, not a
// protocol requirement.
func (w *wsConn) closeNormal() {
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = w.conn.Close()
}

func (w *wsConn) closeAbrupt() {
	_ = w.conn.Close()
}

package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/activitybridge/internal/frame"
)

const writeTimeout = 5 * time.Second

// wsStream carries frames as JSON text messages over a websocket.
type wsStream struct {
	conn *websocket.Conn
}

// NewWSStream adapts a websocket connection to a Stream.
func NewWSStream(c *websocket.Conn) Stream {
	return &wsStream{conn: c}
}

func (s *wsStream) Recv(ctx context.Context) (frame.Frame, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return frame.Frame{}, io.EOF
		}
		return frame.Frame{}, err
	}
	return frame.Decode(data)
}

func (s *wsStream) Send(ctx context.Context, f frame.Frame) error {
	b, err := frame.Encode(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, b)
}

// WSHandler accepts bridge websocket connections and serves each until it
// ends. draining may be nil.
func WSHandler(b *Broker, draining func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if draining != nil && draining() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		// Snapshots can be large.
		c.SetReadLimit(-1)
		// Connection tasks outlive server shutdown and unwind as streams close.
		ctx := context.WithoutCancel(r.Context())
		err = b.ServeStream(ctx, NewWSStream(c))
		switch {
		case err == nil:
			_ = c.Close(websocket.StatusNormalClosure, "closing")
		case errors.Is(err, ErrProtocolViolation):
			b.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("bridge rejected")
			_ = c.Close(websocket.StatusPolicyViolation, truncateReason(err))
		default:
			_ = c.Close(websocket.StatusInternalError, "closing")
		}
	}
}

const maxReason = 120

// truncateReason keeps close reasons within the 123 byte websocket limit
// without splitting a rune.
func truncateReason(err error) string {
	msg := fmt.Sprint(err)
	if len(msg) <= maxReason {
		return msg
	}
	cut := maxReason
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

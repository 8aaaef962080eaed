package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arkenza/voicewire/pkg/core"
)

const (
	defaultDialTimeout  = 15 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Transport is the persistent bidirectional frame channel to the remote
// endpoint. Frames are JSON text messages; framing below that is the
// transport's concern.
type Transport interface {
	WriteFrame(data []byte) error
	ReadFrame() ([]byte, error)
	Close() error
}

// Dialer opens a Transport. The controller dials once per connect and never
// retries on its own; acquiring connections without user intent is undesirable.
type Dialer func(ctx context.Context) (Transport, error)

// WebSocketDialer returns a Dialer for a websocket endpoint. The API key, when
// set, is sent as a bearer token.
func WebSocketDialer(endpoint, apiKey string) Dialer {
	return func(ctx context.Context) (Transport, error) {
		wsURL, err := websocketURL(endpoint)
		if err != nil {
			return nil, err
		}

		headers := make(http.Header)
		if apiKey != "" {
			headers.Set("Authorization", "Bearer "+apiKey)
		}

		dialer := websocket.DefaultDialer
		if dialer == nil {
			dialer = &websocket.Dialer{}
		}

		dialCtx := ctx
		var cancel context.CancelFunc
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			dialCtx, cancel = context.WithTimeout(ctx, defaultDialTimeout)
			defer cancel()
		}

		conn, resp, err := dialer.DialContext(dialCtx, wsURL, headers)
		if err != nil {
			if resp != nil {
				return nil, core.NewConnectError(fmt.Sprintf("websocket dial failed (status %d)", resp.StatusCode), err)
			}
			return nil, core.NewConnectError("websocket dial failed", err)
		}
		return &wsTransport{conn: conn}, nil
	}
}

func websocketURL(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", core.NewInvalidRequestError("invalid endpoint URL")
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already a websocket scheme.
	default:
		return "", core.NewInvalidRequestError("endpoint must use http(s) or ws(s)")
	}
	return u.String(), nil
}

type wsTransport struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (t *wsTransport) WriteFrame(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		t.writeMu.Unlock()
		_ = t.conn.Close()
	})
	return nil
}

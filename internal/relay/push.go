package relay

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the relay.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the relay.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024

	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Connectivity receives push channel state changes.
type Connectivity interface {
	Connecting()
	Online()
	Offline(err error)
}

// Listener keeps a websocket open to the relay and calls Notify for every
// frame it receives. Frames carry no data; they only say the inbox changed.
type Listener struct {
	URL    string
	Token  func() (string, error)
	Notify func()
	State  Connectivity
	Dialer *websocket.Dialer
	Logger *zap.Logger
}

// PushURL turns the relay base URL into its websocket endpoint.
func PushURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v1/ws"
}

// Run connects and reconnects with exponential backoff until ctx is done.
func (l *Listener) Run(ctx context.Context) {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	backoff := minBackoff
	for ctx.Err() == nil {
		if l.State != nil {
			l.State.Connecting()
		}
		start := time.Now()
		err := l.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if l.State != nil {
			l.State.Offline(err)
		}
		logger.Warn("relay push channel closed", zap.Error(err), zap.Duration("retry_in", backoff))

		// A session that stayed up for a while resets the backoff.
		if time.Since(start) > pongWait {
			backoff = minBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (l *Listener) session(ctx context.Context) error {
	header := http.Header{}
	if l.Token != nil {
		token, err := l.Token()
		if err != nil {
			return err
		}
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := l.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, l.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if l.State != nil {
		l.State.Online()
	}
	// Anything queued while we were away is waiting in the inbox.
	l.notify()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go l.pingPump(ctx, conn, done)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
		l.notify()
	}
}

// pingPump keeps the connection alive and closes it when ctx ends, which
// unblocks the read loop.
func (l *Listener) pingPump(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (l *Listener) notify() {
	if l.Notify != nil {
		l.Notify()
	}
}

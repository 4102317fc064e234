package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/acme/outbound-voice-bridge/internal/config"
)

// Session is a duplex websocket session with the AI engine.
type Session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	events  chan ServerEvent
	done    chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dialer opens sessions against the configured engine.
type Dialer struct {
	cfg config.RealtimeConfig
}

// NewDialer creates a dialer.
func NewDialer(cfg config.RealtimeConfig) *Dialer {
	return &Dialer{cfg: cfg}
}

// Dial connects a new session. The read loop starts immediately and feeds Events.
func (d *Dialer) Dial(ctx context.Context) (*Session, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse url: %w", err)
	}
	if d.cfg.Model != "" {
		q := u.Query()
		q.Set("model", d.cfg.Model)
		u.RawQuery = q.Encode()
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	timeout := d.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout, Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: dial (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	return newSession(conn), nil
}

func newSession(conn *websocket.Conn) *Session {
	s := &Session{conn: conn, events: make(chan ServerEvent, 256), done: make(chan struct{})}
	go s.readLoop()
	return s
}

func (s *Session) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, net.ErrClosed) {
				s.setErr(err)
			}
			return
		}
		ev, err := DecodeServerEvent(data)
		if err != nil {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// Events delivers decoded frames in arrival order. It is closed when the
// connection ends.
func (s *Session) Events() <-chan ServerEvent {
	return s.events
}

// Send writes one client event.
func (s *Session) Send(ev ClientEvent) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// Err returns the error that ended the read loop, if any.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Close closes the connection once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/UnHolds/KaraokeV2/internal/logging"
	"github.com/UnHolds/KaraokeV2/internal/metrics"
	"github.com/UnHolds/KaraokeV2/pkg/retry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	sendBuffer  = 64
	eventBuffer = 64
)

// EventKind discriminates session events.
type EventKind int

const (
	// EventOpened signals the socket is open and usable. It fires on the
	// first connect and again after every successful redial.
	EventOpened EventKind = iota
	// EventMessage carries one inbound payload.
	EventMessage
	// EventClosed signals the socket closed with the given code. A
	// deliberate close stops the session; any other close, including a
	// normal-closure frame sent by the peer, means the session is
	// redialing.
	EventClosed
	// EventError signals the session exhausted its redial budget and
	// stopped. Connect must be called again to resume.
	EventError
)

// Event is one occurrence on the session's ordered event stream.
// Deliberate is set on the Closed event of a locally requested
// Disconnect; a close initiated by the peer arrives without it.
type Event struct {
	Kind       EventKind
	Payload    []byte
	Code       int
	Deliberate bool
	Err        error
}

// DefaultRetry returns the redial policy used when none is configured.
func DefaultRetry() retry.Config {
	return retry.Config{
		MaxAttempts: 10,
		InitialWait: 250 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// Session owns one websocket connection to the karaoke server and the
// policy for keeping it alive. Transient drops are redialed with backoff
// behind the caller's back; the session only gives up once the redial
// budget is spent. All events are emitted in order on a single stream.
type Session struct {
	url    string
	dialer *websocket.Dialer
	retry  retry.Config

	events chan Event

	mu       sync.Mutex
	running  bool
	signaled bool
	closing  chan struct{}
	done     chan struct{}
	sendCh   chan []byte
	epochEnd chan struct{}
}

// NewSession creates a session for the given websocket URL. The session
// does not dial until Connect is called.
func NewSession(url string, cfg retry.Config) *Session {
	return &Session{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		retry:  cfg,
		events: make(chan Event, eventBuffer),
	}
}

// Events returns the session's event stream. The channel is never closed;
// the session can be stopped and restarted over its lifetime.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Connect starts the session. It is idempotent: calling it while the
// session is running is a no-op. Called after a disconnect that has not
// finished yet, it waits for the old loop to exit before starting anew.
func (s *Session) Connect() {
	for {
		s.mu.Lock()
		if s.running && !s.signaled {
			s.mu.Unlock()
			return
		}
		if s.running {
			done := s.done
			s.mu.Unlock()
			<-done
			continue
		}
		s.running = true
		s.signaled = false
		s.closing = make(chan struct{})
		s.done = make(chan struct{})
		go s.run(s.closing, s.done)
		s.mu.Unlock()
		return
	}
}

// Disconnect stops the session and waits for its loop to exit. It is
// idempotent; calling it on a stopped session is a no-op. A deliberate
// disconnect emits exactly one Closed event with a normal-closure code.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if !s.signaled {
		s.signaled = true
		close(s.closing)
	}
	done := s.done
	s.mu.Unlock()
	<-done
}

// Send queues one payload for delivery. Payloads are delivered in the
// order queued. It fails with ErrNotConnected when the socket is not
// currently open, including while the session is redialing.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	ch, end := s.sendCh, s.epochEnd
	s.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	select {
	case ch <- data:
		return nil
	case <-end:
		return ErrNotConnected
	}
}

func (s *Session) emit(ev Event) {
	s.events <- ev
}

// run is the session loop: dial with backoff, serve the connection until
// it dies, redial. It exits on deliberate disconnect or once the redial
// budget is spent.
func (s *Session) run(closing, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
	}()

	attempt := 0
	served := false
	for {
		select {
		case <-closing:
			s.emit(Event{Kind: EventClosed, Code: websocket.CloseNormalClosure, Deliberate: true})
			return
		default:
		}

		conn, resp, err := s.dialer.Dial(s.url, nil)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
			}
			attempt++
			metrics.RecordConnectAttempt(false)
			if s.retry.Exhausted(attempt) {
				logging.Error("giving up on server",
					logging.String("url", s.url),
					logging.Int("attempts", attempt),
					logging.Err(err))
				s.emit(Event{Kind: EventError, Err: fmt.Errorf("connecting to %s failed after %d attempts: %w", s.url, attempt, err)})
				return
			}
			wait := s.retry.Wait(attempt)
			logging.Warn("dial failed, retrying",
				logging.String("url", s.url),
				logging.Int("attempt", attempt),
				logging.Duration("wait", wait),
				logging.Err(err))
			select {
			case <-closing:
				s.emit(Event{Kind: EventClosed, Code: websocket.CloseNormalClosure, Deliberate: true})
				return
			case <-time.After(wait):
			}
			continue
		}

		metrics.RecordConnectAttempt(true)
		if served {
			metrics.RecordReconnect()
		}
		served = true
		attempt = 0

		sendCh := make(chan []byte, sendBuffer)
		epochEnd := make(chan struct{})
		s.mu.Lock()
		s.sendCh = sendCh
		s.epochEnd = epochEnd
		s.mu.Unlock()

		metrics.SetConnectionUp(true)
		logging.Info("connected", logging.String("url", s.url))
		s.emit(Event{Kind: EventOpened})

		writerDone := make(chan struct{})
		go s.writePump(conn, sendCh, closing, epochEnd, writerDone)
		code, readErr := s.readLoop(conn)

		s.mu.Lock()
		s.sendCh = nil
		s.epochEnd = nil
		s.mu.Unlock()
		close(epochEnd)
		<-writerDone
		conn.Close()
		metrics.SetConnectionUp(false)

		select {
		case <-closing:
			s.emit(Event{Kind: EventClosed, Code: websocket.CloseNormalClosure, Deliberate: true})
			return
		default:
		}

		logging.Warn("connection lost, redialing",
			logging.String("url", s.url),
			logging.Int("code", code),
			logging.Err(readErr))
		s.emit(Event{Kind: EventClosed, Code: code})
	}
}

// readLoop pumps inbound messages onto the event stream until the
// connection dies. It returns the close code, or an abnormal-closure code
// when the peer vanished without a close frame.
func (s *Session) readLoop(conn *websocket.Conn) (int, error) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}
			return code, err
		}
		s.emit(Event{Kind: EventMessage, Payload: data})
	}
}

// writePump owns all writes to the connection: queued sends, keepalive
// pings, and the close handshake on deliberate disconnect.
func (s *Session) writePump(conn *websocket.Conn, sendCh chan []byte, closing, epochEnd, writerDone chan struct{}) {
	defer close(writerDone)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data := <-sendCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logging.Warn("write failed", logging.Err(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closing:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			// Wait for the close reply to end the read loop, then force
			// the issue if the server never answers.
			select {
			case <-epochEnd:
			case <-time.After(time.Second):
				conn.Close()
			}
			return
		case <-epochEnd:
			return
		}
	}
}

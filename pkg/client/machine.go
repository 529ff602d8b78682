package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/UnHolds/KaraokeV2/internal/logging"
	"github.com/UnHolds/KaraokeV2/internal/metrics"
	"github.com/UnHolds/KaraokeV2/pkg/events"
	"github.com/UnHolds/KaraokeV2/pkg/protocol"
)

// DefaultLoginTimeout bounds the wait for a login acknowledgment.
const DefaultLoginTimeout = 10 * time.Second

// Transport is the connection surface the machine drives. *Session
// implements it.
type Transport interface {
	Connect()
	Disconnect()
	Send(data []byte) error
	Events() <-chan Event
}

type loginCall struct {
	id       uuid.UUID
	username string
	done     chan error
}

// Machine consumes transport events and exposes the single authoritative
// ConnectionState. It owns the admin login/logout exchange; playlist and
// song traffic is handed to registered sinks on the machine's event loop.
type Machine struct {
	transport Transport
	state     *events.Value[ConnectionState]

	onSnapshot     func(*protocol.Snapshot)
	onDelta        func(*protocol.Delta)
	onServerError  func(*protocol.ServerError)
	onSongInfo     func(*protocol.SongInfo)
	onDisconnected func()

	loginTimeout time.Duration

	mu      sync.Mutex
	pending *loginCall
	token   string
}

// NewMachine creates a machine around the given transport. Register sinks
// before calling Run.
func NewMachine(t Transport) *Machine {
	return &Machine{
		transport:    t,
		state:        events.NewValue(Initial()),
		loginTimeout: DefaultLoginTimeout,
	}
}

// SetLoginTimeout overrides the login acknowledgment wait. Call before Run.
func (m *Machine) SetLoginTimeout(d time.Duration) {
	m.loginTimeout = d
}

// OnSnapshot registers the handler for full playlist snapshots. Handlers
// run on the machine's event loop and must not block.
func (m *Machine) OnSnapshot(fn func(*protocol.Snapshot)) { m.onSnapshot = fn }

// OnDelta registers the handler for playlist deltas.
func (m *Machine) OnDelta(fn func(*protocol.Delta)) { m.onDelta = fn }

// OnServerError registers the handler for explicit server rejections.
func (m *Machine) OnServerError(fn func(*protocol.ServerError)) { m.onServerError = fn }

// OnSongInfo registers the handler for pushed song metadata.
func (m *Machine) OnSongInfo(fn func(*protocol.SongInfo)) { m.onSongInfo = fn }

// OnDisconnected registers the handler called when a live session ends,
// whatever the cause. It runs on the machine's event loop, strictly
// before any message of the next session is dispatched.
func (m *Machine) OnDisconnected(fn func()) { m.onDisconnected = fn }

// State returns the current connection state.
func (m *Machine) State() ConnectionState {
	return m.state.Get()
}

// SubscribeState returns a channel that yields the current state
// immediately and every change after it, plus a cancel function. Slow
// receivers may miss intermediate states but always see the latest.
func (m *Machine) SubscribeState() (<-chan ConnectionState, func()) {
	return m.state.Subscribe()
}

// Token returns the token issued by the last successful login, if any.
func (m *Machine) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Connect asks the transport to establish a connection. It is idempotent;
// the outcome arrives through the state observable.
func (m *Machine) Connect() {
	m.mu.Lock()
	switch m.state.Get().Phase {
	case PhaseInitial, PhaseConnectionFailed:
		m.state.Set(Connecting())
	}
	m.mu.Unlock()
	m.transport.Connect()
}

// Disconnect deliberately tears the connection down. The machine returns
// to Initial once the transport confirms the close.
func (m *Machine) Disconnect() {
	m.transport.Disconnect()
}

// Run drives the machine until ctx is done. All transitions caused by
// transport events happen here, one event at a time, in arrival order.
func (m *Machine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.transport.Events():
			m.handleEvent(ev)
		}
	}
}

func (m *Machine) handleEvent(ev Event) {
	switch ev.Kind {
	case EventOpened:
		m.mu.Lock()
		m.state.Set(Connected(false, ""))
		m.mu.Unlock()

	case EventMessage:
		m.handleMessage(ev.Payload)

	case EventClosed:
		m.mu.Lock()
		wasLive := m.state.Get().Phase == PhaseConnected
		m.failPendingLocked(fmt.Errorf("%w: connection closed during login", ErrNotConnected))
		// Only a locally requested disconnect returns to Initial; a
		// normal-closure frame from the peer still leaves the transport
		// redialing.
		if ev.Deliberate {
			m.state.Set(Initial())
		} else {
			m.state.Set(Connecting())
		}
		m.mu.Unlock()
		if wasLive && m.onDisconnected != nil {
			m.onDisconnected()
		}

	case EventError:
		reason := "connection failed"
		if ev.Err != nil {
			reason = ev.Err.Error()
		}
		m.mu.Lock()
		wasLive := m.state.Get().Phase == PhaseConnected
		m.failPendingLocked(fmt.Errorf("%w: %s", ErrNotConnected, reason))
		m.state.Set(ConnectionFailed(reason))
		m.mu.Unlock()
		if wasLive && m.onDisconnected != nil {
			m.onDisconnected()
		}
	}
}

func (m *Machine) handleMessage(payload []byte) {
	msg, err := protocol.DecodeInbound(payload)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			logging.Debug("ignoring unrecognized message", logging.Err(err))
		} else {
			logging.Warn("dropping malformed message", logging.Err(err))
		}
		return
	}

	switch msg := msg.(type) {
	case *protocol.Snapshot:
		metrics.RecordMessageReceived(protocol.TypePlaylist)
		if m.onSnapshot != nil {
			m.onSnapshot(msg)
		}
	case *protocol.Delta:
		metrics.RecordMessageReceived(protocol.TypeDelta)
		if m.onDelta != nil {
			m.onDelta(msg)
		}
	case *protocol.LoginAck:
		metrics.RecordMessageReceived(protocol.TypeLoginAck)
		m.handleLoginAck(msg)
	case *protocol.LoginReject:
		metrics.RecordMessageReceived(protocol.TypeLoginReject)
		m.handleLoginReject(msg)
	case *protocol.ServerError:
		metrics.RecordMessageReceived(protocol.TypeError)
		logging.Error("server reported error", logging.String("reason", msg.Reason))
		if m.onServerError != nil {
			m.onServerError(msg)
		}
	case *protocol.SongInfo:
		metrics.RecordMessageReceived(protocol.TypeSongInfo)
		if m.onSongInfo != nil {
			m.onSongInfo(msg)
		}
	}
}

func (m *Machine) handleLoginAck(ack *protocol.LoginAck) {
	m.mu.Lock()
	call := m.takePendingLocked(ack.RequestID)
	if call == nil {
		// Login already timed out or the connection cycled; a late ack
		// must not grant admin.
		m.mu.Unlock()
		logging.Warn("ignoring stale login ack")
		return
	}
	username := ack.Username
	if username == "" {
		username = call.username
	}
	m.token = ack.Token
	m.state.Set(Connected(ack.IsAdmin, username))
	m.mu.Unlock()

	metrics.RecordLoginAttempt(true)
	logging.Info("logged in", logging.String("username", username))
	call.done <- nil
}

func (m *Machine) handleLoginReject(reject *protocol.LoginReject) {
	m.mu.Lock()
	call := m.takePendingLocked(reject.RequestID)
	m.mu.Unlock()
	if call == nil {
		return
	}
	metrics.RecordLoginAttempt(false)
	logging.Warn("login rejected", logging.String("reason", reject.Reason))
	call.done <- fmt.Errorf("%w: %s", ErrUnauthenticated, reject.Reason)
}

// Login sends admin credentials and waits for the server's verdict. It
// fails with ErrUnauthenticated when no session is live or the server
// rejects the credentials, and with ErrTimeout when no verdict arrives in
// time; a verdict that arrives after the timeout is discarded, so the
// session never ends up half-admin.
func (m *Machine) Login(ctx context.Context, username, password string) error {
	return m.login(ctx, protocol.LoginRequest{
		Type:     protocol.TypeLogin,
		Username: username,
		Password: password,
	}, username)
}

// LoginWithToken re-authenticates with a token issued by an earlier login.
func (m *Machine) LoginWithToken(ctx context.Context, token string) error {
	return m.login(ctx, protocol.LoginRequest{
		Type:  protocol.TypeLogin,
		Token: token,
	}, "")
}

func (m *Machine) login(ctx context.Context, req protocol.LoginRequest, username string) error {
	m.mu.Lock()
	if m.state.Get().Phase != PhaseConnected {
		m.mu.Unlock()
		return fmt.Errorf("%w: not connected", ErrUnauthenticated)
	}
	if m.pending != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: login already in flight", ErrUnauthenticated)
	}
	call := &loginCall{
		id:       uuid.New(),
		username: username,
		done:     make(chan error, 1),
	}
	m.pending = call
	m.mu.Unlock()

	req.RequestID = call.id
	data, err := protocol.Encode(req)
	if err != nil {
		m.takePending(call.id)
		return err
	}
	if err := m.transport.Send(data); err != nil {
		m.takePending(call.id)
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	metrics.RecordMessageSent(protocol.TypeLogin)

	timer := time.NewTimer(m.loginTimeout)
	defer timer.Stop()
	select {
	case err := <-call.done:
		return err
	case <-timer.C:
		if m.takePending(call.id) != nil {
			metrics.RecordLoginAttempt(false)
			return fmt.Errorf("%w: no login response", ErrTimeout)
		}
		// The verdict landed between the timer firing and the pending
		// call being withdrawn.
		return <-call.done
	case <-ctx.Done():
		if m.takePending(call.id) != nil {
			return ctx.Err()
		}
		return <-call.done
	}
}

// Logout drops admin immediately and tells the server. It never fails:
// local state is authoritative for the caller, and the server expires the
// session on its own if the notification is lost. Calling it without
// admin is a no-op.
func (m *Machine) Logout() {
	m.mu.Lock()
	st := m.state.Get()
	if st.Phase != PhaseConnected || !st.IsAdmin {
		m.mu.Unlock()
		return
	}
	m.token = ""
	m.state.Set(Connected(false, ""))
	m.mu.Unlock()

	data, err := protocol.Encode(protocol.LogoutRequest{Type: protocol.TypeLogout})
	if err == nil {
		err = m.transport.Send(data)
	}
	if err != nil {
		logging.Warn("logout notification not delivered", logging.Err(err))
		return
	}
	metrics.RecordMessageSent(protocol.TypeLogout)
	logging.Info("logged out")
}

// Send forwards an already-encoded message while the session is live. It
// fails with ErrNotConnected otherwise.
func (m *Machine) Send(data []byte) error {
	if m.state.Get().Phase != PhaseConnected {
		return ErrNotConnected
	}
	return m.transport.Send(data)
}

func (m *Machine) takePending(id uuid.UUID) *loginCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.takePendingLocked(id)
}

func (m *Machine) takePendingLocked(id uuid.UUID) *loginCall {
	if m.pending == nil || m.pending.id != id {
		return nil
	}
	call := m.pending
	m.pending = nil
	return call
}

func (m *Machine) failPendingLocked(err error) {
	if m.pending == nil {
		return
	}
	call := m.pending
	m.pending = nil
	call.done <- err
}

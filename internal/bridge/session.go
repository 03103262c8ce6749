package bridge

import (
	"sync"
	"time"
)

// State is a session's lifecycle position.
//
//	Idle -> Starting -> AwaitingScan -> Ready -> Closing -> Backoff -> Idle
//
// Closing resolves either to Backoff (logout/unpair) or back to Starting
// (transient close, automatic reconnect).
type State int

const (
	StateIdle State = iota
	StateStarting
	StateAwaitingScan
	StateReady
	StateClosing
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateAwaitingScan:
		return "awaiting_scan"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateBackoff:
		return "backoff"
	default:
		return "idle"
	}
}

// Wire status strings, part of the HTTP contract.
const (
	StatusConnected    = "Connected"
	StatusWaiting      = "Waiting for scan"
	StatusConnecting   = "Connecting"
	StatusDisconnected = "Disconnected"
)

// Session is one logical WhatsApp connection. All lifecycle transitions are
// applied by the manager's per-session event loop; other goroutines only read
// through the locked accessors or enqueue events via push.
type Session struct {
	ID string

	mu            sync.Mutex
	state         State
	qrImage       string
	readyAt       time.Time
	backoffUntil  time.Time
	reconnects    int
	redialPending bool
	client        Client

	events chan Event
	done   chan struct{}
	once   sync.Once
}

func newSession(id string) *Session {
	return &Session{
		ID:     id,
		state:  StateIdle,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

// push enqueues an event without blocking. Events arriving after shutdown, or
// beyond the buffer while the loop is wedged, are dropped - the state machine
// is resilient to missing duplicate close notifications.
func (s *Session) push(ev Event) {
	select {
	case <-s.done:
	default:
		select {
		case s.events <- ev:
		default:
		}
	}
}

// shutdown disconnects the client and stops the event loop. Safe to call more
// than once.
func (s *Session) shutdown() {
	s.once.Do(func() {
		if c := s.Client(); c != nil {
			c.Disconnect()
		}
		close(s.done)
	})
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) Client() Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// swapClient installs a new connection handle, disconnecting the previous one.
func (s *Session) swapClient(c Client) {
	s.mu.Lock()
	old := s.client
	s.client = c
	s.mu.Unlock()
	if old != nil {
		old.Disconnect()
	}
}

func (s *Session) QRImage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qrImage
}

func (s *Session) setQR(img string) {
	s.mu.Lock()
	s.qrImage = img
	s.mu.Unlock()
}

func (s *Session) BackoffUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoffUntil
}

func (s *Session) ReadyAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyAt
}

// markReady applies the connection-open transition: QR and backoff are cleared
// the moment the session becomes ready, and the reconnect budget resets.
func (s *Session) markReady() {
	s.mu.Lock()
	s.state = StateReady
	s.qrImage = ""
	s.backoffUntil = time.Time{}
	s.reconnects = 0
	s.readyAt = time.Now()
	s.mu.Unlock()
}

// enterBackoff applies the logout transition: QR cleared, cool-down armed.
func (s *Session) enterBackoff(d time.Duration) {
	s.mu.Lock()
	s.state = StateBackoff
	s.qrImage = ""
	s.backoffUntil = time.Now().Add(d)
	s.mu.Unlock()
}

func (s *Session) reconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

// armRedial bumps the reconnect counter and marks a redial as pending.
// Returns false when one is already scheduled so duplicate close events do
// not stack timers.
func (s *Session) armRedial() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.redialPending {
		return false
	}
	s.redialPending = true
	s.reconnects++
	return true
}

func (s *Session) clearRedial() {
	s.mu.Lock()
	s.redialPending = false
	s.mu.Unlock()
}

// StatusLabel derives the wire status string from the lifecycle state.
func (s *Session) StatusLabel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateReady:
		return StatusConnected
	case StateAwaitingScan:
		return StatusWaiting
	case StateStarting, StateClosing:
		return StatusConnecting
	default:
		return StatusDisconnected
	}
}

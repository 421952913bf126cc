package sentinel

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ConnState is the lifecycle state of one client connection.
type ConnState int

const (
	StateConnectReceived ConnState = iota
	StateTLSHandshake
	StateEstablished
	StateStreaming
	StateClosed
	StateError
)

var connStateNames = [...]string{
	StateConnectReceived: "connect_received",
	StateTLSHandshake:    "tls_handshake",
	StateEstablished:     "established",
	StateStreaming:       "streaming",
	StateClosed:          "closed",
	StateError:           "error",
}

func (s ConnState) String() string {
	if int(s) < 0 || int(s) >= len(connStateNames) {
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
	return connStateNames[s]
}

// Terminal reports whether no further transitions are possible.
func (s ConnState) Terminal() bool {
	return s == StateClosed || s == StateError
}

// validTransitions lists the allowed next states. Error is reachable from
// every non-terminal state and is not listed. Plain HTTP connections skip
// the handshake; Established and Streaming alternate on keep-alive.
var validTransitions = map[ConnState][]ConnState{
	StateConnectReceived: {StateTLSHandshake, StateEstablished, StateClosed},
	StateTLSHandshake:    {StateEstablished},
	StateEstablished:     {StateStreaming, StateClosed},
	StateStreaming:       {StateEstablished, StateClosed},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to ConnState) bool {
	if from.Terminal() {
		return false
	}
	if to == StateError {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// session tracks one accepted client connection through its states.
type session struct {
	id        uint64
	conn      net.Conn
	authority string
	started   time.Time

	mu    sync.Mutex
	state ConnState

	// inflight counts exchanges currently being served. HTTP/2 sessions
	// may have several.
	inflight atomic.Int32

	metrics *Metrics
	logger  *slog.Logger
}

func newSession(id uint64, conn net.Conn, metrics *Metrics, logger *slog.Logger) *session {
	s := &session{
		id:      id,
		conn:    conn,
		started: time.Now(),
		state:   StateConnectReceived,
		metrics: metrics,
		logger:  logger,
	}
	if metrics != nil {
		metrics.RecordConnState(StateConnectReceived)
	}
	return s
}

// State returns the current state.
func (s *session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the session to next. An invalid transition moves it to
// StateError instead and returns an error.
func (s *session) transition(next ConnState) error {
	s.mu.Lock()
	from := s.state
	if from == next {
		s.mu.Unlock()
		return nil
	}
	var err error
	if !CanTransition(from, next) {
		err = fmt.Errorf("invalid connection state transition %s -> %s", from, next)
		if from.Terminal() {
			s.mu.Unlock()
			return err
		}
		next = StateError
	}
	s.state = next
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordConnState(next)
	}
	if err != nil && s.logger != nil {
		s.logger.Error("connection state", "session", s.id, "error", err)
	}
	return err
}

// fail moves the session to StateError unless it already ended.
func (s *session) fail() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordConnState(StateError)
	}
}

// finish marks the session closed unless it already ended.
func (s *session) finish() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordConnState(StateClosed)
	}
}

// close marks the session closed and closes the connection.
func (s *session) close() {
	s.finish()
	_ = s.conn.Close()
}

// idle reports whether no exchange is in progress.
func (s *session) idle() bool {
	return s.inflight.Load() == 0
}

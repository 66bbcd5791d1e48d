package hub

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/codefionn/orbit/internal/auth"
	"github.com/codefionn/orbit/internal/consts"
	"github.com/codefionn/orbit/internal/logger"
)

// Close codes from RFC 6455 section 7.4.1 used when the server ends a session
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseTryAgainLater   = 1013
)

var (
	// ErrSessionClosed is returned when delivering to a session that has
	// been closed
	ErrSessionClosed = errors.New("session closed")
	// ErrSlowConsumer is returned when a session's outbound queue is full
	ErrSlowConsumer = errors.New("session send buffer full")
)

// Conn is the transport handle behind a session. WriteMessage is only ever
// called from the session's writer goroutine; Close may be called from any
// goroutine and more than once.
type Conn interface {
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Session is one admitted connection. Outbound messages are queued and
// written by a dedicated goroutine so a slow peer never blocks the sender.
type Session struct {
	ID       string
	Identity *auth.Identity

	conn Conn
	send chan []byte
	done chan struct{}
	// connClosed is closed once conn.Close has returned
	connClosed chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
	writerWG  sync.WaitGroup
}

// NewSession creates a session and starts its writer. bufferSize <= 0 uses
// consts.DefaultSendBuffer.
func NewSession(id string, identity *auth.Identity, conn Conn, bufferSize int) *Session {
	if bufferSize <= 0 {
		bufferSize = consts.DefaultSendBuffer
	}
	s := &Session{
		ID:         id,
		Identity:   identity,
		conn:       conn,
		send:       make(chan []byte, bufferSize),
		done:       make(chan struct{}),
		connClosed: make(chan struct{}),
	}
	s.writerWG.Add(1)
	go s.writePump()
	return s
}

// Subject returns the identity subject, or "" for an anonymous session
func (s *Session) Subject() string {
	if s.Identity == nil {
		return ""
	}
	return s.Identity.Subject
}

// Enqueue queues data for delivery without blocking
func (s *Session) Enqueue(data []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	case s.send <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Done is closed once the session has been closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether Close has been called
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Close ends the session with a normal closure
func (s *Session) Close() {
	s.CloseWithStatus(CloseNormal, "")
}

// CloseWithStatus stops the writer and closes the transport with code.
// Only the first call has an effect.
func (s *Session) CloseWithStatus(code int, reason string) {
	if s.markClosed() {
		s.closeConn(code, reason)
	}
}

// closeDetached marks the session closed at once and closes the transport
// on its own goroutine. Closing a transport may wait for a stalled write,
// so callers that hold a lock shared with other sessions use this.
func (s *Session) closeDetached(code int, reason string) {
	if s.markClosed() {
		go s.closeConn(code, reason)
	}
}

// markClosed reports whether this call closed the session
func (s *Session) markClosed() bool {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.closed.Store(true)
		close(s.done)
	})
	return first
}

func (s *Session) closeConn(code int, reason string) {
	defer close(s.connClosed)
	if err := s.conn.Close(code, reason); err != nil {
		logger.Debug("session %s: close transport: %v", s.ID, err)
	}
}

// Wait blocks until the session is closed, its writer goroutine has exited
// and the transport has been closed
func (s *Session) Wait() {
	s.writerWG.Wait()
	<-s.connClosed
}

func (s *Session) writePump() {
	defer s.writerWG.Done()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			if err := s.conn.WriteMessage(data); err != nil {
				logger.Debug("session %s: write failed: %v", s.ID, err)
				s.CloseWithStatus(CloseGoingAway, "")
				return
			}
		}
	}
}

package server

import (
	"sync"
	"time"

	"github.com/louisbranch/fracturing-collab/internal/services/collab/document"
)

// session is one authorized connection attached to a room.
//
// The outbound queue is never closed; producers race with close through the
// done channel, so an enqueue to a closing session is a silent no-op.
type session struct {
	id         string
	userID     string
	documentID string

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	// Guarded by the owning room's mutex. vector is the merge of every vector
	// the session announced and every room vector it was sent.
	vector       document.StateVector
	lastSeen     time.Time
	awarenessSeq uint64
	awareness    []byte
	hasAwareness bool
}

func newSession(id, userID, documentID string, queueSize int) *session {
	if queueSize <= 0 {
		queueSize = defaultMaxOutboundFrames
	}
	return &session{
		id:         id,
		userID:     userID,
		documentID: documentID,
		outbound:   make(chan []byte, queueSize),
		done:       make(chan struct{}),
		vector:     document.StateVector{},
	}
}

// enqueue hands a frame to the writer without blocking. It reports false only
// when the queue is full; frames for a closed session are dropped and
// reported as delivered.
func (s *session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.outbound <- frame:
		return true
	default:
		return false
	}
}

// close ends the session once; later calls keep the first cause.
func (s *session) close(cause error) {
	s.closeOnce.Do(func() {
		s.closeErr = cause
		close(s.done)
	})
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// err returns the close cause. Only valid after done is closed.
func (s *session) err() error {
	<-s.done
	return s.closeErr
}

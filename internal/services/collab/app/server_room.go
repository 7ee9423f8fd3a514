package server

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	apperrors "github.com/louisbranch/fracturing-collab/internal/platform/errors"
	"github.com/louisbranch/fracturing-collab/internal/services/collab/document"
	"github.com/louisbranch/fracturing-collab/internal/services/collab/protocol"
	"github.com/louisbranch/fracturing-collab/internal/services/collab/storage"
)

var errRoomClosed = apperrors.New(apperrors.CodeRoomClosed, "room closed")

type roomConfig struct {
	gracePeriod     time.Duration
	maxLogFragments int
	maxPending      int
}

// room multiplexes every session editing one document.
type room struct {
	documentID string
	config     roomConfig
	metrics    *instruments
	onEmpty    func(r *room, generation uint64)

	// saveMu serializes snapshot saves so an eviction save never races a
	// periodic flush of the same room. Acquired before the registry lock.
	saveMu sync.Mutex

	mu           sync.Mutex
	doc          *document.Document
	sessions     map[*session]struct{}
	closed       bool
	dirty        bool
	generation   uint64
	evictTimer   *time.Timer
	lastActivity time.Time
}

func newRoom(documentID string, doc *document.Document, config roomConfig, metrics *instruments, onEmpty func(*room, uint64)) *room {
	return &room{
		documentID:   documentID,
		config:       config,
		metrics:      metrics,
		onEmpty:      onEmpty,
		doc:          doc,
		sessions:     make(map[*session]struct{}),
		lastActivity: time.Now(),
	}
}

// register adds s to the room and queues its catch-up reply. The reply is
// queued before the room lock is released so no broadcast can overtake it.
func (r *room) register(s *session, clientVector document.StateVector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errRoomClosed
	}
	r.cancelEvictionLocked()

	frame, err := r.syncReplyLocked(s, clientVector)
	if err != nil {
		return err
	}
	r.sessions[s] = struct{}{}
	r.lastActivity = time.Now()
	s.lastSeen = r.lastActivity
	r.metrics.sessionJoined(context.Background())
	if !s.enqueue(frame) {
		r.disconnectSlow(s)
	}
	return nil
}

// resync answers a repeated sync-step-1 from s.
func (r *room) resync(s *session, clientVector document.StateVector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s]; !ok {
		return errRoomClosed
	}
	s.lastSeen = time.Now()
	frame, err := r.syncReplyLocked(s, clientVector)
	if err != nil {
		return err
	}
	if !s.enqueue(frame) {
		r.disconnectSlow(s)
	}
	return nil
}

func (r *room) syncReplyLocked(s *session, clientVector document.StateVector) ([]byte, error) {
	serverVector := r.doc.StateVector()
	reply := protocol.SyncReply{
		Vector:    serverVector,
		Fragments: r.doc.Diff(clientVector),
		Awareness: r.awarenessLocked(s),
	}
	frame, err := protocol.EncodeSyncStep2(reply)
	if err != nil {
		return nil, err
	}
	s.vector.Merge(clientVector)
	s.vector.Merge(serverVector)
	return frame, nil
}

// awarenessLocked lists the presence of every session except self, ordered
// by session id.
func (r *room) awarenessLocked(self *session) []protocol.AwarenessState {
	states := make([]protocol.AwarenessState, 0, len(r.sessions))
	for s := range r.sessions {
		if s == self || !s.hasAwareness {
			continue
		}
		states = append(states, protocol.AwarenessState{
			Session: s.id,
			User:    s.userID,
			Seq:     s.awarenessSeq,
			State:   s.awareness,
		})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Session < states[j].Session })
	return states
}

// receiveUpdate integrates a fragment from s and relays it to every other
// session. Malformed fragments are returned to the caller and never relayed.
func (r *room) receiveUpdate(s *session, fragment []byte) error {
	r.mu.Lock()
	if _, ok := r.sessions[s]; !ok {
		r.mu.Unlock()
		return errRoomClosed
	}
	outcome, err := r.doc.ApplyDelta(fragment)
	if err != nil {
		r.mu.Unlock()
		r.metrics.fragmentsRejected.Add(context.Background(), 1, documentAttr(r.documentID))
		return err
	}
	r.lastActivity = time.Now()
	s.lastSeen = r.lastActivity
	if outcome == document.Duplicate {
		r.mu.Unlock()
		return nil
	}
	r.dirty = true
	vector := r.doc.StateVector()
	recipients := make([]*session, 0, len(r.sessions))
	for other := range r.sessions {
		other.vector.Merge(vector)
		if other != s {
			recipients = append(recipients, other)
		}
	}
	if r.config.maxLogFragments > 0 && r.doc.LogLen() > r.config.maxLogFragments {
		r.doc.Compact()
	}
	r.mu.Unlock()

	r.metrics.fragmentsApplied.Add(context.Background(), 1, documentAttr(r.documentID))
	r.broadcast(recipients, protocol.EncodeUpdate(fragment))
	return nil
}

// receiveAwareness stores s's presence and relays it. Updates whose sequence
// is not newer than the last accepted one are dropped.
func (r *room) receiveAwareness(s *session, update protocol.AwarenessUpdate) (bool, error) {
	r.mu.Lock()
	if _, ok := r.sessions[s]; !ok {
		r.mu.Unlock()
		return false, errRoomClosed
	}
	if s.hasAwareness && update.Seq <= s.awarenessSeq {
		r.mu.Unlock()
		return false, nil
	}
	s.hasAwareness = true
	s.awarenessSeq = update.Seq
	s.awareness = update.State
	r.lastActivity = time.Now()
	s.lastSeen = r.lastActivity
	recipients := r.othersLocked(s)
	r.mu.Unlock()

	frame, err := protocol.EncodeAwarenessState(protocol.AwarenessState{
		Session: s.id,
		User:    s.userID,
		Seq:     update.Seq,
		State:   update.State,
	})
	if err != nil {
		return false, err
	}
	r.broadcast(recipients, frame)
	return true, nil
}

// unregister removes s, announces its departure and arms eviction when the
// room becomes empty. Calling it for a session that already left is a no-op.
func (r *room) unregister(s *session) {
	r.mu.Lock()
	if _, ok := r.sessions[s]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s)
	seq := s.awarenessSeq
	r.metrics.sessionLeft(context.Background())
	recipients := r.othersLocked(s)
	if len(r.sessions) == 0 && !r.closed {
		r.armEvictionLocked()
	}
	r.mu.Unlock()

	frame, err := protocol.EncodeAwarenessState(protocol.AwarenessState{
		Session:  s.id,
		User:     s.userID,
		Seq:      seq,
		Departed: true,
	})
	if err != nil {
		log.Printf("collab: encode departure for session=%s document=%q: %v", s.id, r.documentID, err)
		return
	}
	r.broadcast(recipients, frame)
}

func (r *room) othersLocked(self *session) []*session {
	others := make([]*session, 0, len(r.sessions))
	for s := range r.sessions {
		if s != self {
			others = append(others, s)
		}
	}
	return others
}

// broadcast enqueues frame for each recipient. A full queue disconnects
// only that recipient.
func (r *room) broadcast(recipients []*session, frame []byte) {
	for _, s := range recipients {
		if !s.enqueue(frame) {
			r.disconnectSlow(s)
		}
	}
}

// disconnectSlow closes a session whose outbound queue is full. It only
// touches the session, so it is safe with or without the room lock held.
func (r *room) disconnectSlow(s *session) {
	log.Printf("collab: outbound queue full, closing session=%s user=%q document=%q", s.id, s.userID, r.documentID)
	r.metrics.overflowDisconnects.Add(context.Background(), 1, documentAttr(r.documentID))
	s.close(apperrors.ErrBufferOverflow)
}

func (r *room) armEvictionLocked() {
	r.generation++
	generation := r.generation
	if r.config.gracePeriod <= 0 {
		go r.onEmpty(r, generation)
		return
	}
	r.evictTimer = time.AfterFunc(r.config.gracePeriod, func() {
		r.onEmpty(r, generation)
	})
}

func (r *room) cancelEvictionLocked() {
	r.generation++
	if r.evictTimer != nil {
		r.evictTimer.Stop()
		r.evictTimer = nil
	}
}

// closeIfIdle marks the room closed when it is still empty and generation is
// still current, and returns its final snapshot. ok is false when a session
// joined after the eviction timer was armed.
func (r *room) closeIfIdle(generation uint64) (snapshot []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || generation != r.generation || len(r.sessions) > 0 {
		return nil, false
	}
	r.closed = true
	r.dirty = false
	r.evictTimer = nil
	return r.doc.Snapshot(), true
}

// snapshotIfDirty returns the current snapshot when content changed since the
// last flush and clears the dirty mark.
func (r *room) snapshotIfDirty() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.dirty || r.closed {
		return nil, false
	}
	r.dirty = false
	return r.doc.Snapshot(), true
}

func (r *room) markDirty() {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
}

// disconnectAll closes every session, used on shutdown.
func (r *room) disconnectAll(cause error) {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.close(cause)
	}
}

type roomStats struct {
	DocumentID   string                `json:"document_id"`
	Sessions     int                   `json:"sessions"`
	LogFragments int                   `json:"log_fragments"`
	Pending      int                   `json:"pending_fragments"`
	LastActivity time.Time             `json:"last_activity"`
	Participants []sessionStats        `json:"participants"`
	Persisted    *storage.SnapshotInfo `json:"persisted,omitempty"`
}

type sessionStats struct {
	Session  string               `json:"session"`
	User     string               `json:"user"`
	LastSeen time.Time            `json:"last_seen"`
	Vector   document.StateVector `json:"vector"`
}

func (r *room) stats() roomStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	participants := make([]sessionStats, 0, len(r.sessions))
	for s := range r.sessions {
		participants = append(participants, sessionStats{
			Session:  s.id,
			User:     s.userID,
			LastSeen: s.lastSeen,
			Vector:   s.vector.Clone(),
		})
	}
	sort.Slice(participants, func(i, j int) bool { return participants[i].Session < participants[j].Session })
	return roomStats{
		DocumentID:   r.documentID,
		Sessions:     len(r.sessions),
		LogFragments: r.doc.LogLen(),
		Pending:      r.doc.PendingLen(),
		LastActivity: r.lastActivity,
		Participants: participants,
	}
}

func isRoomClosed(err error) bool {
	return errors.Is(err, errRoomClosed)
}

package document

import (
	"sort"
	"strings"

	apperrors "github.com/louisbranch/fracturing-collab/internal/platform/errors"
)

// DefaultPendingLimit bounds how many out-of-order fragments a document
// buffers while waiting for their dependencies.
const DefaultPendingLimit = 1024

// Outcome describes what Apply did with a fragment.
type Outcome uint8

const (
	// Duplicate means the fragment was already integrated or buffered.
	Duplicate Outcome = iota
	// Integrated means the fragment changed the document.
	Integrated
	// Pending means the fragment was buffered until its dependencies arrive.
	Pending
)

func (o Outcome) String() string {
	switch o {
	case Integrated:
		return "integrated"
	case Pending:
		return "pending"
	default:
		return "duplicate"
	}
}

type node struct {
	id      ID
	origin  ID
	value   string
	deleted bool
	next    *node
}

type pendingKey struct {
	client string
	clock  uint64
}

// Option configures a Document.
type Option func(*Document)

// WithPendingLimit overrides DefaultPendingLimit.
func WithPendingLimit(limit int) Option {
	return func(d *Document) {
		if limit > 0 {
			d.pendingLimit = limit
		}
	}
}

// Document is the materialized state of one shared document.
type Document struct {
	head         *node
	index        map[ID]*node
	entries      map[string]Entry
	vector       StateVector
	lamport      uint64
	pending      map[pendingKey][]byte
	pendingLimit int
	log          *UpdateLog
}

// New returns an empty document.
func New(opts ...Option) *Document {
	d := &Document{
		head:         &node{},
		index:        make(map[ID]*node),
		entries:      make(map[string]Entry),
		vector:       StateVector{},
		pending:      make(map[pendingKey][]byte),
		pendingLimit: DefaultPendingLimit,
		log:          NewUpdateLog(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Apply decodes and integrates a fragment. Applying the same fragment twice,
// or a set of fragments in any order, converges on the same state. A
// malformed fragment leaves the document untouched.
func (d *Document) Apply(data []byte) (Outcome, error) {
	f, err := Decode(data)
	if err != nil {
		return Duplicate, err
	}
	if f.Kind == KindState {
		return d.mergeState(f.State, data)
	}
	return d.applyDelta(f, data)
}

// ApplyDelta is Apply restricted to delta fragments. State fragments carry
// an unverifiable vector, so they are only accepted through Apply and Restore
// from trusted sources such as the snapshot store.
func (d *Document) ApplyDelta(data []byte) (Outcome, error) {
	f, err := Decode(data)
	if err != nil {
		return Duplicate, err
	}
	if f.Kind != KindDelta {
		return Duplicate, malformed("expected a delta fragment, got kind %d", f.Kind)
	}
	return d.applyDelta(f, data)
}

func (d *Document) applyDelta(f Fragment, data []byte) (Outcome, error) {
	if f.Clock <= d.vector.Get(f.Client) {
		return Duplicate, nil
	}
	key := pendingKey{client: f.Client, clock: f.Clock}
	if _, ok := d.pending[key]; ok {
		return Duplicate, nil
	}
	if !d.ready(f) {
		if len(d.pending) >= d.pendingLimit {
			return Duplicate, apperrors.Newf(apperrors.CodeMalformedUpdate,
				"pending buffer full (%d fragments)", len(d.pending))
		}
		d.pending[key] = append([]byte(nil), data...)
		return Pending, nil
	}
	if err := d.integrateDelta(f, data); err != nil {
		return Duplicate, err
	}
	d.drain()
	return Integrated, nil
}

// ready reports whether every causal dependency of f is integrated.
func (d *Document) ready(f Fragment) bool {
	if f.Clock != d.vector.Get(f.Client)+1 {
		return false
	}
	local := make(map[ID]struct{}, len(f.Ops))
	known := func(id ID) bool {
		if _, ok := d.index[id]; ok {
			return true
		}
		_, ok := local[id]
		return ok
	}
	for _, op := range f.Ops {
		switch op.Kind {
		case OpInsert:
			if !op.Origin.IsZero() && !known(op.Origin) {
				return false
			}
			local[op.ID] = struct{}{}
		case OpDelete:
			if !known(op.Target) {
				return false
			}
		}
	}
	return true
}

func (d *Document) integrateDelta(f Fragment, data []byte) error {
	for i, op := range f.Ops {
		if op.Kind != OpInsert {
			continue
		}
		if _, exists := d.index[op.ID]; exists {
			return malformed("op %d reuses element id %s@%d", i, op.ID.Client, op.ID.Lamport)
		}
	}
	for _, op := range f.Ops {
		switch op.Kind {
		case OpInsert:
			d.insert(op.ID, op.Origin, op.Value, false)
		case OpDelete:
			d.index[op.Target].deleted = true
		case OpSet:
			d.set(Entry{Key: op.Key, ID: op.ID, Data: op.Data})
		}
		d.observe(op.ID)
	}
	d.vector[f.Client] = f.Clock
	d.log.Append(LogEntry{Kind: KindDelta, Client: f.Client, Clock: f.Clock, Data: data})
	return nil
}

// insert places a new element after origin, skipping concurrent siblings
// (and their descendants) with greater IDs.
func (d *Document) insert(id, origin ID, value string, deleted bool) {
	prev := d.head
	if !origin.IsZero() {
		prev = d.index[origin]
	}
	for prev.next != nil && id.Less(prev.next.id) {
		prev = prev.next
	}
	n := &node{id: id, origin: origin, value: value, deleted: deleted, next: prev.next}
	prev.next = n
	d.index[id] = n
}

func (d *Document) set(entry Entry) bool {
	current, ok := d.entries[entry.Key]
	if ok && !current.ID.Less(entry.ID) {
		return false
	}
	d.entries[entry.Key] = entry
	return true
}

func (d *Document) observe(id ID) {
	if id.Lamport > d.lamport {
		d.lamport = id.Lamport
	}
}

// drain integrates buffered fragments whose dependencies are now satisfied.
func (d *Document) drain() {
	for {
		progressed := false
		for _, key := range d.pendingKeys() {
			data := d.pending[key]
			if key.clock <= d.vector.Get(key.client) {
				delete(d.pending, key)
				continue
			}
			f, err := Decode(data)
			if err != nil || f.Kind != KindDelta || !d.ready(f) {
				if err != nil {
					delete(d.pending, key)
				}
				continue
			}
			delete(d.pending, key)
			if err := d.integrateDelta(f, data); err == nil {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

func (d *Document) pendingKeys() []pendingKey {
	keys := make([]pendingKey, 0, len(d.pending))
	for key := range d.pending {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].client != keys[j].client {
			return keys[i].client < keys[j].client
		}
		return keys[i].clock < keys[j].clock
	})
	return keys
}

func (d *Document) mergeState(s *State, data []byte) (Outcome, error) {
	seen := make(map[ID]struct{}, len(s.Elements))
	for i, el := range s.Elements {
		if _, dup := seen[el.ID]; dup {
			return Duplicate, malformed("state element %d repeats id %s@%d", i, el.ID.Client, el.ID.Lamport)
		}
		if !el.Origin.IsZero() {
			_, local := d.index[el.Origin]
			_, earlier := seen[el.Origin]
			if !local && !earlier {
				return Duplicate, malformed("state element %d has unknown origin", i)
			}
		}
		seen[el.ID] = struct{}{}
	}

	changed := false
	for _, el := range s.Elements {
		if existing, ok := d.index[el.ID]; ok {
			if el.Deleted && !existing.deleted {
				existing.deleted = true
				changed = true
			}
			continue
		}
		d.insert(el.ID, el.Origin, el.Value, el.Deleted)
		d.observe(el.ID)
		changed = true
	}
	for _, entry := range s.Entries {
		if d.set(entry) {
			d.observe(entry.ID)
			changed = true
		}
	}
	if s.Lamport > d.lamport {
		d.lamport = s.Lamport
	}
	if !d.vector.Covers(s.Vector) {
		d.vector.Merge(s.Vector)
		changed = true
	}
	if changed {
		d.log.Append(LogEntry{Kind: KindState, Vector: s.Vector.Clone(), Data: data})
	}
	for _, raw := range s.Pending {
		outcome, err := d.Apply(raw)
		if err == nil && outcome != Duplicate {
			changed = true
		}
	}
	d.drain()
	if !changed {
		return Duplicate, nil
	}
	return Integrated, nil
}

// Diff returns the fragments a peer at vector peer needs to catch up, in
// causal order.
func (d *Document) Diff(peer StateVector) [][]byte {
	return d.log.Since(peer)
}

// Snapshot encodes the full state as a state fragment. Two documents holding
// the same fragments produce identical snapshots.
func (d *Document) Snapshot() []byte {
	state := State{
		Vector:   d.vector.Clone(),
		Lamport:  d.lamport,
		Elements: make([]Element, 0, len(d.index)),
		Entries:  make([]Entry, 0, len(d.entries)),
	}
	for n := d.head.next; n != nil; n = n.next {
		state.Elements = append(state.Elements, Element{ID: n.id, Origin: n.origin, Value: n.value, Deleted: n.deleted})
	}
	keys := make([]string, 0, len(d.entries))
	for key := range d.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		state.Entries = append(state.Entries, d.entries[key])
	}
	for _, key := range d.pendingKeys() {
		state.Pending = append(state.Pending, d.pending[key])
	}
	data, err := Encode(Fragment{Kind: KindState, State: &state})
	if err != nil {
		// Every field is a plain value; encoding cannot fail.
		panic("document: encode snapshot: " + err.Error())
	}
	return data
}

// Restore merges a snapshot and makes it the log baseline.
func (d *Document) Restore(snapshot []byte) error {
	if _, err := d.Apply(snapshot); err != nil {
		return err
	}
	d.Compact()
	return nil
}

// Compact replaces the update log with a baseline snapshot of the current
// state. Peers behind the baseline are caught up with the snapshot.
func (d *Document) Compact() {
	d.log.Rebase(d.Snapshot(), d.vector)
}

// StateVector returns a copy of the integrated state vector.
func (d *Document) StateVector() StateVector {
	return d.vector.Clone()
}

// Lamport returns the highest Lamport timestamp integrated.
func (d *Document) Lamport() uint64 {
	return d.lamport
}

// Text returns the visible text.
func (d *Document) Text() string {
	var b strings.Builder
	for n := d.head.next; n != nil; n = n.next {
		if !n.deleted {
			b.WriteString(n.value)
		}
	}
	return b.String()
}

// Entries returns the current register values.
func (d *Document) Entries() map[string][]byte {
	out := make(map[string][]byte, len(d.entries))
	for key, entry := range d.entries {
		out[key] = entry.Data
	}
	return out
}

// Len returns the number of visible elements.
func (d *Document) Len() int {
	count := 0
	for n := d.head.next; n != nil; n = n.next {
		if !n.deleted {
			count++
		}
	}
	return count
}

// LogLen returns the number of fragments recorded since the last compaction.
func (d *Document) LogLen() int {
	return d.log.Len()
}

// PendingLen returns the number of buffered out-of-order fragments.
func (d *Document) PendingLen() int {
	return len(d.pending)
}

// visibleAt returns the visible element at position pos, or nil.
func (d *Document) visibleAt(pos int) *node {
	i := 0
	for n := d.head.next; n != nil; n = n.next {
		if n.deleted {
			continue
		}
		if i == pos {
			return n
		}
		i++
	}
	return nil
}

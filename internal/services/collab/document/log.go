package document

// LogEntry is one integrated fragment in the update log.
type LogEntry struct {
	Kind   Kind
	Client string
	Clock  uint64
	// Vector is the fragment's own vector for state fragments.
	Vector StateVector
	Data   []byte
}

// UpdateLog is the append-only, integration-ordered list of fragments applied
// to a document, starting from an optional baseline snapshot.
type UpdateLog struct {
	baseline       []byte
	baselineVector StateVector
	entries        []LogEntry
}

// NewUpdateLog returns an empty log with no baseline.
func NewUpdateLog() *UpdateLog {
	return &UpdateLog{baselineVector: StateVector{}}
}

// Append records an integrated fragment.
func (l *UpdateLog) Append(entry LogEntry) {
	l.entries = append(l.entries, entry)
}

// Len returns the number of fragments recorded since the baseline.
func (l *UpdateLog) Len() int {
	return len(l.entries)
}

// Baseline returns the baseline snapshot and the vector it covers.
func (l *UpdateLog) Baseline() ([]byte, StateVector) {
	return l.baseline, l.baselineVector.Clone()
}

// Rebase drops every entry and starts the log over from snapshot, which must
// cover vector.
func (l *UpdateLog) Rebase(snapshot []byte, vector StateVector) {
	l.baseline = snapshot
	l.baselineVector = vector.Clone()
	l.entries = nil
}

// Since returns the fragments a peer at vector peer is missing, in
// integration order. A peer behind the baseline first receives the baseline.
func (l *UpdateLog) Since(peer StateVector) [][]byte {
	known := peer.Clone()
	var out [][]byte
	if l.baseline != nil && !known.Covers(l.baselineVector) {
		out = append(out, l.baseline)
		known.Merge(l.baselineVector)
	}
	for _, entry := range l.entries {
		switch entry.Kind {
		case KindDelta:
			if entry.Clock <= known.Get(entry.Client) {
				continue
			}
			out = append(out, entry.Data)
		case KindState:
			if known.Covers(entry.Vector) {
				continue
			}
			out = append(out, entry.Data)
			known.Merge(entry.Vector)
		}
	}
	return out
}

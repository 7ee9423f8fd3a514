package document

// ID identifies an inserted element or a register write. IDs are ordered by
// Lamport timestamp, then by client, which gives every replica the same total
// order over concurrent operations.
type ID struct {
	Client  string `cbor:"c"`
	Lamport uint64 `cbor:"l"`
}

// IsZero reports whether id is the zero ID, which denotes the document head.
func (id ID) IsZero() bool {
	return id.Client == "" && id.Lamport == 0
}

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool {
	if id.Lamport != other.Lamport {
		return id.Lamport < other.Lamport
	}
	return id.Client < other.Client
}

// StateVector records, per client, the highest contiguous fragment clock a
// party has integrated.
type StateVector map[string]uint64

// Get returns the clock recorded for client.
func (v StateVector) Get(client string) uint64 {
	if v == nil {
		return 0
	}
	return v[client]
}

// Clone returns an independent copy of v.
func (v StateVector) Clone() StateVector {
	out := make(StateVector, len(v))
	for client, clock := range v {
		out[client] = clock
	}
	return out
}

// Merge raises every clock in v to at least the clock in other.
func (v StateVector) Merge(other StateVector) {
	for client, clock := range other {
		if clock > v[client] {
			v[client] = clock
		}
	}
}

// Covers reports whether v has integrated everything other has.
func (v StateVector) Covers(other StateVector) bool {
	for client, clock := range other {
		if v.Get(client) < clock {
			return false
		}
	}
	return true
}

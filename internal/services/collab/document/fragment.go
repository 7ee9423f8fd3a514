package document

import (
	"fmt"

	"github.com/louisbranch/fracturing-collab/internal/platform/codec"
	apperrors "github.com/louisbranch/fracturing-collab/internal/platform/errors"
)

// Kind distinguishes incremental fragments from full-state fragments.
type Kind uint8

const (
	// KindDelta carries a batch of operations from one client.
	KindDelta Kind = 1
	// KindState carries a complete materialized document state.
	KindState Kind = 2
)

// OpKind identifies a single operation inside a delta fragment.
type OpKind uint8

const (
	OpInsert OpKind = 1
	OpDelete OpKind = 2
	OpSet    OpKind = 3
)

// Op is one operation. Insert uses ID, Origin and Value; Delete uses Target;
// Set uses ID, Key and Data.
type Op struct {
	Kind   OpKind `cbor:"k"`
	ID     ID     `cbor:"i"`
	Origin ID     `cbor:"o"`
	Target ID     `cbor:"t"`
	Value  string `cbor:"v,omitempty"`
	Key    string `cbor:"key,omitempty"`
	Data   []byte `cbor:"d,omitempty"`
}

// Fragment is the decoded form of an update fragment.
type Fragment struct {
	Kind   Kind   `cbor:"kind"`
	Client string `cbor:"client,omitempty"`
	Clock  uint64 `cbor:"clock,omitempty"`
	Ops    []Op   `cbor:"ops,omitempty"`
	State  *State `cbor:"state,omitempty"`
}

// State is a full document state: the element sequence in document order
// including tombstones, the register entries sorted by key, and any fragments
// still waiting on dependencies.
type State struct {
	Vector   StateVector `cbor:"vector"`
	Lamport  uint64      `cbor:"lamport"`
	Elements []Element   `cbor:"elements"`
	Entries  []Entry     `cbor:"entries"`
	Pending  [][]byte    `cbor:"pending,omitempty"`
}

// Element is one inserted sequence element.
type Element struct {
	ID      ID     `cbor:"i"`
	Origin  ID     `cbor:"o"`
	Value   string `cbor:"v"`
	Deleted bool   `cbor:"x,omitempty"`
}

// Entry is one last-writer-wins register value.
type Entry struct {
	Key  string `cbor:"key"`
	ID   ID     `cbor:"i"`
	Data []byte `cbor:"d,omitempty"`
}

// Encode serializes f.
func Encode(f Fragment) ([]byte, error) {
	return codec.Marshal(f)
}

// Decode parses and structurally validates fragment bytes. Any failure is a
// MalformedUpdate error.
func Decode(data []byte) (Fragment, error) {
	if len(data) == 0 {
		return Fragment{}, apperrors.New(apperrors.CodeMalformedUpdate, "fragment is empty")
	}
	var f Fragment
	if err := codec.Unmarshal(data, &f); err != nil {
		return Fragment{}, apperrors.Wrap(apperrors.CodeMalformedUpdate, "decode fragment", err)
	}
	if err := f.validate(); err != nil {
		return Fragment{}, err
	}
	return f, nil
}

func malformed(format string, args ...any) error {
	return apperrors.New(apperrors.CodeMalformedUpdate, fmt.Sprintf(format, args...))
}

func (f Fragment) validate() error {
	switch f.Kind {
	case KindDelta:
		return f.validateDelta()
	case KindState:
		if f.State == nil {
			return malformed("state fragment has no state")
		}
		return f.State.validate()
	default:
		return malformed("unknown fragment kind %d", f.Kind)
	}
}

func (f Fragment) validateDelta() error {
	if f.Client == "" {
		return malformed("fragment client is required")
	}
	if f.Clock == 0 {
		return malformed("fragment clock must be positive")
	}
	if len(f.Ops) == 0 {
		return malformed("fragment has no operations")
	}
	var last uint64
	for i, op := range f.Ops {
		switch op.Kind {
		case OpInsert, OpSet:
			if op.ID.Client != f.Client {
				return malformed("op %d id belongs to %q, not %q", i, op.ID.Client, f.Client)
			}
			if op.ID.Lamport == 0 || op.ID.Lamport <= last {
				return malformed("op %d lamport %d is not increasing", i, op.ID.Lamport)
			}
			last = op.ID.Lamport
			if op.Kind == OpInsert {
				if op.Value == "" {
					return malformed("op %d inserts an empty value", i)
				}
				if !op.Origin.IsZero() && !op.Origin.Less(op.ID) {
					return malformed("op %d does not follow its origin", i)
				}
			} else if op.Key == "" {
				return malformed("op %d sets an empty key", i)
			}
		case OpDelete:
			if op.Target.IsZero() {
				return malformed("op %d deletes the document head", i)
			}
		default:
			return malformed("op %d has unknown kind %d", i, op.Kind)
		}
	}
	return nil
}

func (s *State) validate() error {
	for i, el := range s.Elements {
		if el.ID.IsZero() || el.ID.Client == "" {
			return malformed("state element %d has no id", i)
		}
		if !el.Origin.IsZero() && !el.Origin.Less(el.ID) {
			return malformed("state element %d does not follow its origin", i)
		}
	}
	for i, entry := range s.Entries {
		if entry.Key == "" || entry.ID.IsZero() {
			return malformed("state entry %d is incomplete", i)
		}
	}
	return nil
}

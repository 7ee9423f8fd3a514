package document

import (
	"fmt"
	"unicode/utf8"
)

// Editor produces local edits for one client against a document. Each method
// builds a delta fragment, applies it locally and returns the encoded bytes
// to send to peers.
type Editor struct {
	client string
	doc    *Document
}

// NewEditor binds client to doc.
func NewEditor(client string, doc *Document) *Editor {
	return &Editor{client: client, doc: doc}
}

// Document returns the edited document.
func (e *Editor) Document() *Document {
	return e.doc
}

// Insert inserts text so that its first rune lands at visible position pos.
func (e *Editor) Insert(pos int, text string) ([]byte, error) {
	if text == "" {
		return nil, fmt.Errorf("insert: empty text")
	}
	if pos < 0 || pos > e.doc.Len() {
		return nil, fmt.Errorf("insert: position %d out of range", pos)
	}
	var origin ID
	if pos > 0 {
		origin = e.doc.visibleAt(pos - 1).id
	}
	lamport := e.doc.Lamport()
	ops := make([]Op, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		lamport++
		id := ID{Client: e.client, Lamport: lamport}
		ops = append(ops, Op{Kind: OpInsert, ID: id, Origin: origin, Value: string(r)})
		origin = id
	}
	return e.commit(ops)
}

// Delete removes count visible runes starting at pos.
func (e *Editor) Delete(pos, count int) ([]byte, error) {
	if count <= 0 || pos < 0 || pos+count > e.doc.Len() {
		return nil, fmt.Errorf("delete: range [%d,%d) out of bounds", pos, pos+count)
	}
	ops := make([]Op, 0, count)
	for i := 0; i < count; i++ {
		ops = append(ops, Op{Kind: OpDelete, Target: e.doc.visibleAt(pos + i).id})
	}
	return e.commit(ops)
}

// Set writes a register value.
func (e *Editor) Set(key string, data []byte) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("set: empty key")
	}
	id := ID{Client: e.client, Lamport: e.doc.Lamport() + 1}
	return e.commit([]Op{{Kind: OpSet, ID: id, Key: key, Data: data}})
}

func (e *Editor) commit(ops []Op) ([]byte, error) {
	data, err := Encode(Fragment{
		Kind:   KindDelta,
		Client: e.client,
		Clock:  e.doc.vector.Get(e.client) + 1,
		Ops:    ops,
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.doc.Apply(data); err != nil {
		return nil, err
	}
	return data, nil
}

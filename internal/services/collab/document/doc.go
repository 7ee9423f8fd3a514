// Package document implements the conflict-free merge engine behind a shared
// document.
//
// A document is a replicated text sequence (RGA: every inserted element keeps
// the element it was inserted after and a Lamport identifier that orders
// concurrent siblings) plus a keyed map of last-writer-wins registers. Edits
// travel as fragments: CBOR-encoded batches of operations stamped with the
// author's per-client clock. Applying fragments is commutative and idempotent,
// so every replica that has seen the same fragments renders the same text and
// produces byte-identical snapshots regardless of arrival order.
//
// Fragments that arrive before their causal dependencies are buffered and
// integrated as soon as the dependencies land. Integrated fragments are kept
// in an update log so peers can be caught up from their declared state vector;
// the log can be compacted into a baseline snapshot to bound memory.
//
// A Document is not safe for concurrent use; callers serialize access.
package document

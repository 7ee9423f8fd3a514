// Package protocol defines the binary frames exchanged between collaboration
// clients and the sync service.
//
// Every frame is one binary websocket message. The first byte selects the
// frame type and the remainder is the body: CBOR for structured bodies, raw
// fragment bytes for updates. Receivers ignore frame types they do not know.
package protocol

import (
	"fmt"

	"github.com/louisbranch/fracturing-collab/internal/platform/codec"
	"github.com/louisbranch/fracturing-collab/internal/services/collab/document"
)

// Type is the frame discriminator.
type Type byte

const (
	// SyncStep1 announces the sender's state vector.
	SyncStep1 Type = 0
	// SyncStep2 answers a SyncStep1 with the fragments the peer is missing.
	SyncStep2 Type = 1
	// Update carries one fragment.
	Update Type = 2
	// Awareness carries ephemeral presence state.
	Awareness Type = 3
	// Error reports a rejected frame to its sender.
	Error Type = 4
)

func (t Type) String() string {
	switch t {
	case SyncStep1:
		return "sync-step-1"
	case SyncStep2:
		return "sync-step-2"
	case Update:
		return "update"
	case Awareness:
		return "awareness"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Frame is a decoded frame header plus its undecoded body.
type Frame struct {
	Type Type
	Body []byte
}

// SyncReply is the SyncStep2 body.
type SyncReply struct {
	Vector    document.StateVector `cbor:"vector"`
	Fragments [][]byte             `cbor:"fragments"`
	Awareness []AwarenessState     `cbor:"awareness"`
}

// AwarenessUpdate is the Awareness body sent by clients.
type AwarenessUpdate struct {
	Seq   uint64 `cbor:"seq"`
	State []byte `cbor:"state"`
}

// AwarenessState is the Awareness body sent by the server, and the entries of
// a SyncReply.
type AwarenessState struct {
	Session  string `cbor:"session"`
	User     string `cbor:"user"`
	Seq      uint64 `cbor:"seq"`
	State    []byte `cbor:"state"`
	Departed bool   `cbor:"departed,omitempty"`
}

// ErrorBody is the Error body.
type ErrorBody struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message"`
}

// Decode splits a frame into its type and body.
func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("decode frame: empty message")
	}
	return Frame{Type: Type(data[0]), Body: data[1:]}, nil
}

// Encode joins a frame type and body.
func Encode(t Type, body []byte) []byte {
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(t))
	return append(out, body...)
}

func encodeBody(t Type, v any) ([]byte, error) {
	body, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	return Encode(t, body), nil
}

// EncodeSyncStep1 builds a SyncStep1 frame.
func EncodeSyncStep1(vector document.StateVector) ([]byte, error) {
	if vector == nil {
		vector = document.StateVector{}
	}
	return encodeBody(SyncStep1, vector)
}

// EncodeSyncStep2 builds a SyncStep2 frame.
func EncodeSyncStep2(reply SyncReply) ([]byte, error) {
	if reply.Fragments == nil {
		reply.Fragments = [][]byte{}
	}
	if reply.Awareness == nil {
		reply.Awareness = []AwarenessState{}
	}
	return encodeBody(SyncStep2, reply)
}

// EncodeUpdate builds an Update frame around a fragment.
func EncodeUpdate(fragment []byte) []byte {
	return Encode(Update, fragment)
}

// EncodeAwarenessUpdate builds a client Awareness frame.
func EncodeAwarenessUpdate(update AwarenessUpdate) ([]byte, error) {
	return encodeBody(Awareness, update)
}

// EncodeAwarenessState builds a server Awareness frame.
func EncodeAwarenessState(state AwarenessState) ([]byte, error) {
	return encodeBody(Awareness, state)
}

// EncodeError builds an Error frame.
func EncodeError(code, message string) ([]byte, error) {
	return encodeBody(Error, ErrorBody{Code: code, Message: message})
}

// DecodeSyncStep1 parses a SyncStep1 body.
func DecodeSyncStep1(body []byte) (document.StateVector, error) {
	var vector document.StateVector
	if err := codec.Unmarshal(body, &vector); err != nil {
		return nil, fmt.Errorf("decode %s: %w", SyncStep1, err)
	}
	if vector == nil {
		vector = document.StateVector{}
	}
	return vector, nil
}

// DecodeSyncStep2 parses a SyncStep2 body.
func DecodeSyncStep2(body []byte) (SyncReply, error) {
	var reply SyncReply
	if err := codec.Unmarshal(body, &reply); err != nil {
		return SyncReply{}, fmt.Errorf("decode %s: %w", SyncStep2, err)
	}
	return reply, nil
}

// DecodeAwarenessUpdate parses a client Awareness body.
func DecodeAwarenessUpdate(body []byte) (AwarenessUpdate, error) {
	var update AwarenessUpdate
	if err := codec.Unmarshal(body, &update); err != nil {
		return AwarenessUpdate{}, fmt.Errorf("decode %s: %w", Awareness, err)
	}
	return update, nil
}

// DecodeAwarenessState parses a server Awareness body.
func DecodeAwarenessState(body []byte) (AwarenessState, error) {
	var state AwarenessState
	if err := codec.Unmarshal(body, &state); err != nil {
		return AwarenessState{}, fmt.Errorf("decode %s: %w", Awareness, err)
	}
	return state, nil
}

// DecodeError parses an Error body.
func DecodeError(body []byte) (ErrorBody, error) {
	var e ErrorBody
	if err := codec.Unmarshal(body, &e); err != nil {
		return ErrorBody{}, fmt.Errorf("decode %s: %w", Error, err)
	}
	return e, nil
}

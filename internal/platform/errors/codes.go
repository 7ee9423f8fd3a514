// Package errors provides coded domain errors shared by the sync service.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Connection admission
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeRateLimited     Code = "RATE_LIMITED"

	// Document merge
	CodeMalformedUpdate Code = "MALFORMED_UPDATE"

	// Connection lifecycle
	CodeTransportFailure Code = "TRANSPORT_FAILURE"
	CodeBufferOverflow   Code = "BUFFER_OVERFLOW"
	CodeIdleTimeout      Code = "IDLE_TIMEOUT"

	// Room lifecycle
	CodeRoomClosed           Code = "ROOM_CLOSED"
	CodeRegistryRaceDetected Code = "REGISTRY_RACE_DETECTED"

	// Persistence collaborator
	CodeSnapshotUnavailable Code = "SNAPSHOT_UNAVAILABLE"
)

// HTTPStatus maps a code to the status returned before a connection upgrade.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeInvalidArgument, CodeMalformedUpdate:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeSnapshotUnavailable, CodeRoomClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Fatal reports whether the code signals a broken process invariant.
func (c Code) Fatal() bool {
	return c == CodeRegistryRaceDetected
}

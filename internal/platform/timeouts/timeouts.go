// Package timeouts defines shared timeout defaults used across services.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// Authorize caps a single call to the authorization collaborator.
const Authorize = 3 * time.Second

// SnapshotIO caps a single load or save against the persistence collaborator.
const SnapshotIO = 5 * time.Second

// HealthProbe caps a gRPC health probe issued by the CLI.
const HealthProbe = 2 * time.Second

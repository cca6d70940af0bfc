// Package timeouts defines shared timeout constants used across the service.
// Centralizing these values prevents drift between component boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// DirectoryFetch caps the time allowed for a single role-fetch call against
// the external directory service.
const DirectoryFetch = 8 * time.Second

// DirectoryMutate caps the time allowed for a single role grant or revoke
// call against the external directory service.
const DirectoryMutate = 10 * time.Second

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

package dht

import "errors"

// Failure kinds surfaced by the coordinators. Callers match them with
// errors.Is; the wrapped message carries the human-readable diagnostic.
var (
	// ErrEngineUnavailable means the engine handle is missing or not
	// running and the one-shot recovery attempt did not help.
	ErrEngineUnavailable = errors.New("dht: engine unavailable")

	// ErrLocked means a put hit the cooldown window for its record key.
	ErrLocked = errors.New("dht: record is locked")

	// ErrTimeout means no correlated result appeared within the deadline.
	ErrTimeout = errors.New("dht: timed out waiting for result")

	// ErrMalformedRecord means a header/chunk mismatch or a record
	// validation failure. Partial data is discarded, never returned.
	ErrMalformedRecord = errors.New("dht: malformed record")

	// ErrPutNotAcknowledged means the overlay reported zero successful
	// stores for a put.
	ErrPutNotAcknowledged = errors.New("dht: put not acknowledged")

	// ErrNotFound means a record could not be fetched or did not
	// validate. Invalid records are reported as not found, not as
	// found-but-broken.
	ErrNotFound = errors.New("dht: record not found")
)

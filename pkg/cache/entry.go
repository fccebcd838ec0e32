package cache

import (
	"fmt"
	"time"
)

// Entry is a cached value together with its write time, expiry and the schema version of the build that wrote it.
// Entries are immutable once stored; updates replace the whole entry.
type Entry struct {
	Value         any
	WrittenAt     time.Time
	ExpiresAt     time.Time
	SchemaVersion string
}

// Valid reports whether the entry may still be served at `now`.
func (e *Entry) Valid(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// SerializationError reports a cold tier payload that could not be encoded or decoded. The payload is dropped and
// the hot tier keeps working.
type SerializationError struct {
	Op  string // What was being (de)serialized, e.g. "decode snapshot".
	Key string // Cache key, when the failure is specific to one entry.
	Err error
}

func (e *SerializationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("cache %s (key %q): %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

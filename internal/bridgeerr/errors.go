// Package bridgeerr defines the error kinds from the synchronization
// engine's error-handling design (spec §7) as discriminable typed errors
// rather than sentinel strings, so callers use errors.As to branch policy.
package bridgeerr

import "fmt"

// StorageError wraps a backing-store failure. Callers surface it upward and
// abort the current event; the cursor is not advanced, so restart retries.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// ConflictError signals a bijection violation in MappingRepository: an id
// already maps to a different opposite-side id. Policy: log loudly, do not
// overwrite.
type ConflictError struct {
	Existing, Attempted string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("mapping conflict: existing=%q attempted=%q", e.Existing, e.Attempted)
}

// MappingMissingError means a prerequisite mapping does not exist yet.
// Policy: warn and skip; most X→R operations become no-ops until the
// prerequisite mapping exists.
type MappingMissingError struct {
	What string
}

func (e *MappingMissingError) Error() string { return fmt.Sprintf("mapping missing: %s", e.What) }

func MappingMissing(what string) error {
	return &MappingMissingError{What: what}
}

// StaleEditError means an edit arrived with an editedTimestamp no newer than
// what's stored. Policy: silent skip, expected during reconciliation.
type StaleEditError struct {
	MessageID string
}

func (e *StaleEditError) Error() string { return fmt.Sprintf("stale edit: %s", e.MessageID) }

// EchoDetected means the event under processing was produced by this bridge
// and must not be resynced. Policy: silent skip.
type EchoDetected struct {
	Reason string
}

func (e *EchoDetected) Error() string { return fmt.Sprintf("echo detected: %s", e.Reason) }

// ProfileFetchError wraps a failed external profile resolution. Policy:
// rate-limited retry via the blueskyFetchAttempt TTL.
type ProfileFetchError struct {
	Did string
	Err error
}

func (e *ProfileFetchError) Error() string {
	return fmt.Sprintf("profile fetch failed for %s: %v", e.Did, e.Err)
}
func (e *ProfileFetchError) Unwrap() error { return e.Err }

// XRateLimitError signals the X client's own retry is in progress; the
// Bridge awaits rather than treating it as failure.
type XRateLimitError struct {
	RetryAfterMs int64
}

func (e *XRateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %dms", e.RetryAfterMs)
}

// XPermissionError means the bridge lacks permission for an X operation.
// Policy: log, skip that event, continue.
type XPermissionError struct {
	Op string
}

func (e *XPermissionError) Error() string { return fmt.Sprintf("permission denied: %s", e.Op) }

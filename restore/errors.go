package restore

import "errors"

// Error kinds named in spec §7. pt-race is deliberately not a sentinel
// error: it is counted (Summary.Stats.PTRaces), never returned, because the spec
// treats it as a tolerated race rather than a failure.
var (
	// ErrPlatformUnavailable means the platform probe hypercall failed
	// (§4.A).
	ErrPlatformUnavailable = errors.New("platform-unavailable")

	// ErrOutOfMemory means a reservation hypercall short-returned or a
	// table allocation failed.
	ErrOutOfMemory = errors.New("out-of-memory")

	// ErrStreamTruncated means an exact read returned less than
	// requested. No short read is tolerated, not even on the first word
	// of the P2M frame list.
	ErrStreamTruncated = errors.New("stream-truncated")

	// ErrStreamInvalid covers every structural violation named in §7:
	// sentinel mismatch, chunk overrun, oversized batch, unknown page
	// type, out-of-range PFN in a validated field, bad GDT count, a
	// page-table-root level mismatch, a short decrease-reservation, or a
	// failed context submission.
	ErrStreamInvalid = errors.New("stream-invalid")

	// ErrLDTInvalid means the restored context's LDT fails the
	// sanitizer's alignment/size/range checks (§4.K).
	ErrLDTInvalid = errors.New("ldt-invalid")
)

// Package tlogerr defines the sentinel error taxonomy shared by every TLog
// component, checked with errors.Is the way callers across the stack need
// to distinguish "surface to caller" from "fatal" from "retry locally".
package tlogerr

import "errors"

var (
	// ErrEndOfStream terminates a recovery replay loop or a return_if_blocked
	// peek past the known tail. Expected, not a failure.
	ErrEndOfStream = errors.New("tlogerr: end of stream")

	// ErrTLogStopped is returned by the commit path once a generation has
	// been locked by a newer coordinator.
	ErrTLogStopped = errors.New("tlogerr: tlog stopped")

	// ErrConnectionFailed is raised by the transport reader/writer/monitor
	// on socket failure or a missed ping window.
	ErrConnectionFailed = errors.New("tlogerr: connection failed")

	// ErrChecksumFailed is raised by the transport reader on a CRC32C
	// mismatch in a non-TLS packet.
	ErrChecksumFailed = errors.New("tlogerr: checksum failed")

	// ErrTimedOut is returned to a peek caller whose sequence number fell
	// out of the tracker's eviction window.
	ErrTimedOut = errors.New("tlogerr: timed out")

	// ErrWorkerRemoved is fatal for the process's current role: the
	// generation that owned it has been fully retired.
	ErrWorkerRemoved = errors.New("tlogerr: worker removed")

	// ErrIncompatibleProtocolVersion terminates a transport connection
	// whose peer cannot be spoken to.
	ErrIncompatibleProtocolVersion = errors.New("tlogerr: incompatible protocol version")

	// ErrAddressInUse is returned to the loser of a simultaneous-open
	// tiebreak; its socket is closed.
	ErrAddressInUse = errors.New("tlogerr: address in use")

	// ErrRecruitmentFailed is fatal during generation creation.
	ErrRecruitmentFailed = errors.New("tlogerr: recruitment failed")

	// ErrTornRecord signals a queue record whose trailing valid-flag byte is
	// not 1 -- a never-committed torn write discovered during recovery.
	ErrTornRecord = errors.New("tlogerr: torn record")

	// ErrInvariantViolation marks an internally-detected state invariant
	// break; always fatal.
	ErrInvariantViolation = errors.New("tlogerr: invariant violation")
)

package fsm

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSupported is returned by single-tier deployments for any tier operation.
	ErrNotSupported = errors.New("operation not supported without an archive tier")
	// ErrInternal marks a violated invariant: an unreachable transition, a
	// mismatched entity kind or an unknown granularity. It is never retried.
	ErrInternal = errors.New("internal coordinator error")
	// ErrRestoreFailed is returned by CheckFailure until the failure is reset.
	ErrRestoreFailed = errors.New("restore failed")
)

// DeferredOp is an operation a client can request on an entity.
type DeferredOp int

const (
	OpWrite DeferredOp = iota
	OpArchive
	OpRestore
	OpDelete
)

// Ops lists the operation classes in dispatch order.
var Ops = []DeferredOp{OpWrite, OpArchive, OpRestore, OpDelete}

func (op DeferredOp) String() string {
	switch op {
	case OpWrite:
		return "WRITE"
	case OpArchive:
		return "ARCHIVE"
	case OpRestore:
		return "RESTORE"
	case OpDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("DeferredOp(%d)", int(op))
	}
}

// ParseDeferredOp accepts the String form, case-sensitively.
func ParseDeferredOp(s string) (DeferredOp, error) {
	for _, op := range Ops {
		if op.String() == s {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q", s)
}

// RequestedState tags an entity that has an outstanding intent.
type RequestedState int

const (
	ArchiveRequested RequestedState = iota
	DeleteRequested
	RestoreRequested
	WriteRequested
	WriteThenArchiveRequested
)

func (s RequestedState) String() string {
	switch s {
	case ArchiveRequested:
		return "ARCHIVE_REQUESTED"
	case DeleteRequested:
		return "DELETE_REQUESTED"
	case RestoreRequested:
		return "RESTORE_REQUESTED"
	case WriteRequested:
		return "WRITE_REQUESTED"
	case WriteThenArchiveRequested:
		return "WRITE_THEN_ARCHIVE_REQUESTED"
	default:
		return fmt.Sprintf("RequestedState(%d)", int(s))
	}
}

// MarshalText renders the state by name in status snapshots.
func (s RequestedState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// class is the mover class that serves an entity in state s.
func (s RequestedState) class() DeferredOp {
	switch s {
	case ArchiveRequested:
		return OpArchive
	case DeleteRequested:
		return OpDelete
	case RestoreRequested:
		return OpRestore
	default:
		return OpWrite
	}
}

func (s RequestedState) writePending() bool {
	return s == WriteRequested || s == WriteThenArchiveRequested
}

package fsm

import "fmt"

// tag is an optional RequestedState; the zero value is "stable".
type tag struct {
	state RequestedState
	set   bool
}

func tagged(s RequestedState) tag { return tag{state: s, set: true} }

func (t tag) String() string {
	if !t.set {
		return "(none)"
	}
	return t.state.String()
}

// transition applies op to an entity currently tagged cur.
//
//	current                       WRITE      ARCHIVE    RESTORE    DELETE
//	(none)                        WRITE      ARCHIVE    RESTORE    DELETE
//	ARCHIVE_REQUESTED             !          =          clear      DELETE
//	DELETE_REQUESTED              =          =          =          =
//	RESTORE_REQUESTED             !          ARCHIVE    =          DELETE
//	WRITE_REQUESTED               =          W_THEN_A   !          clear
//	WRITE_THEN_ARCHIVE_REQUESTED  =          =          WRITE      clear
//
// "=" keeps the current tag, "!" is unreachable and reported as ErrInternal.
func transition(cur tag, op DeferredOp) (tag, error) {
	if !cur.set {
		switch op {
		case OpWrite:
			return tagged(WriteRequested), nil
		case OpArchive:
			return tagged(ArchiveRequested), nil
		case OpRestore:
			return tagged(RestoreRequested), nil
		case OpDelete:
			return tagged(DeleteRequested), nil
		}
		return cur, unreachable(cur, op)
	}

	switch cur.state {
	case ArchiveRequested:
		switch op {
		case OpArchive:
			return cur, nil
		case OpRestore:
			return tag{}, nil
		case OpDelete:
			return tagged(DeleteRequested), nil
		}
	case DeleteRequested:
		// Terminal: a pending delete absorbs every later intent.
		return cur, nil
	case RestoreRequested:
		switch op {
		case OpArchive:
			return tagged(ArchiveRequested), nil
		case OpRestore:
			return cur, nil
		case OpDelete:
			return tagged(DeleteRequested), nil
		}
	case WriteRequested:
		switch op {
		case OpWrite:
			return cur, nil
		case OpArchive:
			return tagged(WriteThenArchiveRequested), nil
		case OpDelete:
			return tag{}, nil
		}
	case WriteThenArchiveRequested:
		switch op {
		case OpWrite, OpArchive:
			return cur, nil
		case OpRestore:
			return tagged(WriteRequested), nil
		case OpDelete:
			return tag{}, nil
		}
	}
	return cur, unreachable(cur, op)
}

func unreachable(cur tag, op DeferredOp) error {
	return fmt.Errorf("%w: no transition for %s on %s", ErrInternal, op, cur)
}

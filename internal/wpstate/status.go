// Package wpstate holds the watch-point status machine shared by every
// platform engine (spec.md section 3): NOT_LISTENING -> LISTENING ->
// CANCELLED -> FINISHED, with the two direct-to-FINISHED shortcuts for a
// failed initial arm and an I/O error or root deletion while LISTENING.
package wpstate

// Status is the lifecycle state of a single WatchPoint.
type Status int

const (
	// NotListening is the initial state before a kernel resource has been
	// armed for the path.
	NotListening Status = iota
	// Listening means the watch point owns exactly one live kernel
	// resource (stream entry / handle+pending read / inotify wd).
	Listening
	// Cancelled means an explicit cancel has been issued but the kernel
	// has not yet acknowledged it.
	Cancelled
	// Finished means the kernel resource has been torn down; the watch
	// point is dead and may be removed from the owning map.
	Finished
)

func (s Status) String() string {
	switch s {
	case NotListening:
		return "NOT_LISTENING"
	case Listening:
		return "LISTENING"
	case Cancelled:
		return "CANCELLED"
	case Finished:
		return "FINISHED"
	default:
		return "UNKNOWN_STATUS"
	}
}

// CanTransition reports whether the state machine permits moving from s to
// next. It encodes every transition named in spec.md section 3 and no
// others.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case NotListening:
		return next == Listening || next == Finished
	case Listening:
		return next == Cancelled || next == Finished
	case Cancelled:
		return next == Finished
	case Finished:
		return false
	default:
		return false
	}
}

// TransitionTo moves *cur to next if the move is legal per CanTransition,
// reporting whether it did. Every engine uses this instead of assigning a
// watch point's status field directly, so the three platforms enforce
// spec.md section 3's transition table identically.
func TransitionTo(cur *Status, next Status) bool {
	if !cur.CanTransition(next) {
		return false
	}
	*cur = next
	return true
}

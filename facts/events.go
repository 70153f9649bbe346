package facts

import "fmt"

// EventKind enumerates the observable lifecycle events of a Runtime.
type EventKind int8

const (
	// WillExecute is emitted immediately before a derived computation runs.
	WillExecute EventKind = iota + 1
	// WillBlock is emitted when a fetch joins an in-progress computation
	// led by another execution context, before blocking on its outcome.
	WillBlock
	// DidValidate is emitted when a memo is proven still valid without
	// recomputation (its verified-at revision advances in place).
	DidValidate
	// DidRecompute is emitted when a derived computation completes and its
	// memo is stored.
	DidRecompute
	// DidBackdate is emitted alongside DidRecompute when the recomputed
	// value equaled the prior one and the memo kept its changed-at revision.
	DidBackdate
	// DidEvict is emitted when an LRU-bounded table discards a memo's value.
	DidEvict
	// DidCancel is emitted when a fetch aborts at a checkpoint due to a
	// pending write.
	DidCancel
	// DidPoison is emitted when a failed leader delivers its error to
	// single-flight waiters.
	DidPoison
	// DidWrite is emitted after a completed write, at its new revision.
	DidWrite
)

// String returns the name of the EventKind.
func (k EventKind) String() string {
	switch k {
	case WillExecute:
		return "WillExecute"
	case WillBlock:
		return "WillBlock"
	case DidValidate:
		return "DidValidate"
	case DidRecompute:
		return "DidRecompute"
	case DidBackdate:
		return "DidBackdate"
	case DidEvict:
		return "DidEvict"
	case DidCancel:
		return "DidCancel"
	case DidPoison:
		return "DidPoison"
	case DidWrite:
		return "DidWrite"
	default:
		return fmt.Sprintf("EventKind(%d)", int8(k))
	}
}

// Event describes a single Runtime lifecycle event. Events are delivered
// synchronously to RuntimeSpec.OnEvent, from the goroutine on which they
// occur; handlers must be cheap and must not themselves fetch.
type Event struct {
	// Kind of the event.
	Kind EventKind
	// Key the event concerns. Zero-valued for DidWrite.
	Key QueryKey
	// Revision current when the event occurred.
	Revision Revision
}

// String returns a debug rendering of the Event.
func (ev Event) String() string {
	if ev.Key.Table == nil {
		return fmt.Sprintf("%s @%s", ev.Kind, ev.Revision)
	}
	return fmt.Sprintf("%s(%s) @%s", ev.Kind, ev.Key, ev.Revision)
}

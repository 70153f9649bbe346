package facts

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotSet is returned by Input.Fetch for a key which was never set and
// whose table configures no default. It is fatal to the fetch.
var ErrNotSet = errors.New("input is not set")

// ErrCanceled is returned by fetches which observe a pending write at a
// checkpoint. It is transient: the caller should retry the fetch once the
// write completes. ErrCanceled is never delivered alongside stale data.
var ErrCanceled = errors.New("canceled by pending write")

// CycleError is returned when a fetch would close a self-referential
// dependency chain, either within one execution context or across several
// blocked contexts. Unless a participant table configures a Recover
// function, it propagates to the fetch's original caller.
type CycleError struct {
	// Cycle lists the participant keys, in dependency order.
	Cycle []QueryKey
}

// Error implements the error interface.
func (e CycleError) Error() string {
	var parts = make([]string, len(e.Cycle))
	for i, k := range e.Cycle {
		parts[i] = k.String()
	}
	return fmt.Sprintf("dependency cycle: %s", strings.Join(parts, " -> "))
}

// Has returns whether |key| is a participant of the cycle.
func (e CycleError) Has(key QueryKey) bool {
	for _, k := range e.Cycle {
		if k == key {
			return true
		}
	}
	return false
}

// PoisonedError is delivered to single-flight waiters when the computation
// they joined failed in its leader. It wraps the leader's error.
type PoisonedError struct {
	// Key whose computation failed.
	Key QueryKey
	// Err is the leader's error.
	Err error
}

// Error implements the error interface.
func (e PoisonedError) Error() string {
	return fmt.Sprintf("computation of %s failed in another caller: %s", e.Key, e.Err)
}

// Cause returns the leader's error, for unwrapping via errors.Cause.
func (e PoisonedError) Cause() error { return e.Err }

// Unwrap returns the leader's error, for unwrapping via errors.Is / As.
func (e PoisonedError) Unwrap() error { return e.Err }

// IsNotSet returns whether the error is an ErrNotSet, possibly wrapped.
func IsNotSet(err error) bool { return errors.Cause(err) == ErrNotSet }

// IsCanceled returns whether the error is an ErrCanceled, possibly wrapped,
// including an ErrCanceled observed through a PoisonedError.
func IsCanceled(err error) bool {
	if p, ok := errors.Cause(err).(PoisonedError); ok {
		return IsCanceled(p.Err)
	}
	return errors.Cause(err) == ErrCanceled
}

// IsCycle returns the CycleError and true if the error is a CycleError,
// possibly wrapped.
func IsCycle(err error) (CycleError, bool) {
	var c, ok = errors.Cause(err).(CycleError)
	return c, ok
}

// IsPoisoned returns whether the error is a PoisonedError, possibly wrapped.
func IsPoisoned(err error) bool {
	var _, ok = errors.Cause(err).(PoisonedError)
	return ok
}

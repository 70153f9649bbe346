package facts

import "fmt"

// Revision is a monotonic version counter over the entire fact base. It
// starts at 1 and strictly increases exactly once per completed write.
type Revision int64

// initialRevision is the Revision of a Runtime before any write.
const initialRevision Revision = 1

// String returns a compact rendering of the Revision (eg, "R7").
func (r Revision) String() string { return fmt.Sprintf("R%d", int64(r)) }

// Durability is a coarse hint on how frequently a value is expected to
// change. It is used to prune dependency walks during verification: if no
// value of a memo's durability has changed since the memo was last verified,
// the memo is known valid without examining its dependencies.
type Durability int8

const (
	// Low durability values are expected to change frequently. This is the
	// default durability of Input tables.
	Low Durability = iota
	// Medium durability values change occasionally (eg, configuration).
	Medium
	// High durability values change rarely (eg, interned symbols, standard
	// library sources). It is also the aggregate durability of a derived
	// memo with no dependencies at all.
	High

	numDurabilities
)

// String returns the name of the Durability.
func (d Durability) String() string {
	switch d {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return fmt.Sprintf("Durability(%d)", int8(d))
	}
}

func minDurability(a, b Durability) Durability {
	if a < b {
		return a
	}
	return b
}

func maxRevision(a, b Revision) Revision {
	if a > b {
		return a
	}
	return b
}

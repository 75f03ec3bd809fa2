package reflock

import (
	"fmt"
)

// Violation is the panic value raised when the RefLock contract is broken,
// e.g. Ref after destroy was requested, a double destroy, or an unbalanced
// Unref. It always indicates a bug in the caller.
type Violation struct {
	Op     string
	Reason string
}

func (x *Violation) Error() string {
	return fmt.Sprintf(`reflock: %s: %s`, x.Op, x.Reason)
}

func violation(op, reason string) {
	panic(&Violation{Op: op, Reason: reason})
}

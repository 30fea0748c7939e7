package store

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// GuardViolationError is a completeness-guard failure: an attempted persist
// of a feasibility-bearing artifact missing its risk level or feasibility
// hash. It always aborts the write and is never downgraded.
type GuardViolationError struct {
	Kind    string
	Missing string
}

func (e GuardViolationError) Error() string {
	return fmt.Sprintf("completeness guard: artifact kind %q missing %s", e.Kind, e.Missing)
}

// HashMismatchError is an integrity failure: supplied content hash does not
// match the recomputed hash. The content is rejected before storage.
type HashMismatchError struct {
	Supplied string
	Computed string
}

func (e HashMismatchError) Error() string {
	return fmt.Sprintf("sha256 mismatch: supplied %s, computed %s", e.Supplied, e.Computed)
}

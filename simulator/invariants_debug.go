//go:build simdebug

package simulator

// strictInvariants is true when built with -tags simdebug.
const strictInvariants = true

func invariantViolated(msg string) {
	panic("invariant violated: " + msg)
}

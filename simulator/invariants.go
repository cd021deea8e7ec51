//go:build !simdebug

package simulator

import "github.com/charmbracelet/log"

// strictInvariants is false in release builds: violations are logged and the
// caller clamps the value so long runs keep making progress.
const strictInvariants = false

func invariantViolated(msg string) {
	log.Warn("invariant violated, clamping", "detail", msg)
}

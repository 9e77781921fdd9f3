//go:build !debug

package assert

// Invariant is a no-op outside the debug build.
func Invariant(ok bool, msg string) {}

// Invariantf is a no-op outside the debug build.
func Invariantf(ok bool, format string, args ...any) {}

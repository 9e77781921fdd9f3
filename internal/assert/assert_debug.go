//go:build debug

package assert

import "fmt"

// Invariant panics with msg when ok is false. Only the debug build checks;
// use it for internal consistency, never for validating external input.
//
// Examples:
//
//	assert.Invariant(id.ServerName() != "", "identity server name must never be empty after construction")
//	assert.Invariant(snap.Version() > prev, "store version must increase on every merge")
func Invariant(ok bool, msg string) {
	if !ok {
		panic(fmt.Sprintf("INVARIANT VIOLATION: %s", msg))
	}
}

// Invariantf is Invariant with a formatted message.
func Invariantf(ok bool, format string, args ...any) {
	if !ok {
		panic(fmt.Sprintf("INVARIANT VIOLATION: "+format, args...))
	}
}

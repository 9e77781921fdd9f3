// Package bg provides an abstraction for running functions in the background.
//
// The coordinator hands snapshot notifications to a Runner instead of
// spawning goroutines itself, so tests and the debug build can switch to
// synchronous delivery without changing code paths.
package bg

// Runner executes functions, either synchronously or asynchronously.
type Runner interface {
	// Do executes the given function.
	// The implementation determines whether this happens synchronously or asynchronously.
	Do(fn func())
}

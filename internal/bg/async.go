package bg

// Async is a Runner that executes each function in a new goroutine.
// Ordering between calls is not preserved.
type Async struct{}

// Do executes the function in a new goroutine.
func (Async) Do(fn func()) {
	go fn()
}

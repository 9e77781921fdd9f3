//go:build !debug

package debug

import "net/http"

// Available reports whether this binary was built with the debug tag.
const Available = false

// Handler returns nil in production builds.
func Handler(*FaultProfile) http.Handler {
	return nil
}

// Package debug injects one-shot faults into source retrievals so retry,
// halt and discard paths can be driven by hand against a running watcher.
//
// The HTTP control surface exists only in binaries built with -tags debug.
// Other builds compile the fault types but never wrap a source.
package debug

import (
	"strconv"
)

// DefaultAddr is the loopback listener for the debug surface.
const DefaultAddr = "127.0.0.1:6060"

// Config holds debug mode configuration
type Config struct {
	// Enabled wraps every source with fault injection and mounts /_debug/.
	Enabled bool

	// Addr is where the debug routes are served when the operator HTTP
	// surface is disabled.
	Addr string
}

// FromEnv reads PKIWATCH_DEBUG and PKIWATCH_DEBUG_ADDR. Debug mode stays
// off in builds without the debug tag whatever the environment says.
func FromEnv(lookup func(string) (string, bool)) Config {
	cfg := Config{Addr: DefaultAddr}
	if v, ok := lookup("PKIWATCH_DEBUG"); ok {
		cfg.Enabled = parseBool(v, false)
	}
	if v, ok := lookup("PKIWATCH_DEBUG_ADDR"); ok && v != "" {
		cfg.Addr = v
	}
	cfg.Enabled = cfg.Enabled && Available
	return cfg
}

func parseBool(s string, defaultVal bool) bool {
	if s == "" {
		return defaultVal
	}
	val, err := strconv.ParseBool(s)
	if err != nil {
		return defaultVal
	}
	return val
}

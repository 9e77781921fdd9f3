// pkiwatch watches PKI material and serves the resulting identities.
//
// Usage:
//
//	pkiwatch run --config pkiwatch.yaml
//	pkiwatch inspect bundle.pem [more.pem...]
//	pkiwatch validate-config pkiwatch.yaml
//	pkiwatch version
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(VersionInfo{Version: version, Commit: commit, Date: date})
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

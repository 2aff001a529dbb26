// Command thermic-core drives SSH sessions, SFTP transfers, remote
// terminals and edit-sync from the command line, and serves the same
// operations to a UI over a WebSocket bridge.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Version information, set via ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	// A .env next to the binary may carry THERMIC_CORE_CONFIG or a password.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env: %v\n", err)
	}

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

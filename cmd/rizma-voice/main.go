// Package main provides the rizma-voice CLI.
//
// Usage:
//
//	rizma-voice [flags] <command> [args]
//
// Commands:
//
//	run      - Start a realtime voice conversation session
//	ask      - Ask one question over the HTTP fallback pipeline
//	memory   - Inspect or clear the persisted conversation memory
//	version  - Print the version
//
// Configuration is stored in the OS config directory under rizma-voice/.
package main

import (
	"fmt"
	"os"

	"github.com/michalfoune/rizma-voice/cmd/rizma-voice/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

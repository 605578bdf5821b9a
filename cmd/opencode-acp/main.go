// Package main provides the entry point for the opencode ACP bridge.
package main

import (
	"fmt"
	"os"

	"github.com/cjenaro/opencode-acp/cmd/opencode-acp/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

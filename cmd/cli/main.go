// Package main is the entry point for the runplane CLI.
// The CLI is the developer terminal tool for interacting with the runplane API.
package main

import (
	"os"

	"runplane/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

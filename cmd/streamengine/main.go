// Package main is the entry point for the streamengine CLI.
package main

import (
	"os"

	"github.com/dashflow/streamengine/cmd/streamengine/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

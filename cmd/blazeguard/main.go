// Package main is the entry point for the blazeguard command.
package main

import (
	"os"

	"github.com/good-yellow-bee/blazeguard/cmd/blazeguard/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

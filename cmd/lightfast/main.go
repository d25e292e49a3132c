// Package main is the entry point for the lightfast CLI.
package main

import (
	"os"

	"github.com/lightfastai/lightfast-sub011/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

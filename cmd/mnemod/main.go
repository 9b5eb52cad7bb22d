// Package main is the entry point for the mnemod CLI.
package main

import (
	"os"

	"github.com/mnemod/mnemod/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

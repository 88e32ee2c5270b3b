// Package main is the entry point for the loopwire transport simulator.
package main

import (
	"fmt"
	"os"

	"bitfall.xyz/loopwire/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

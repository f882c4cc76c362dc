// Package main is the entry point for the ztun tunnel engine.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/ztun/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

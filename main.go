// Package main is the entry point for the accounts service.
package main

import (
	"fmt"
	"os"

	"accounts/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

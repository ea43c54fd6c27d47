// Package main is the entry point of the cfdiag command line.
package main

import (
	"fmt"
	"os"

	"github.com/cf-diagnosis-engine/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

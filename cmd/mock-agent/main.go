package main

import (
	"fmt"
	"os"

	"github.com/nekocode/agent-team/mockagent"
)

func main() {
	// Stdout carries only JSON-RPC; everything else goes to stderr.
	if err := mockagent.Serve(os.Stdout, os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"os"
)

// Version information (set via ldflags)
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/fzft/go-sft/cmd"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.Version = version
	cmd.Commit = commit
	cmd.Date = date

	if err := cmd.Execute(); err != nil {
		cmd.PrintErr("Error: %v", err)
		os.Exit(1)
	}
}

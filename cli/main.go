package main

import (
	"os"

	"github.com/leakhawk/leakhawk-stack/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

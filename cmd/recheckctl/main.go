package main

import (
	"os"

	"github.com/recheckstack/recheck/cmd/recheckctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}

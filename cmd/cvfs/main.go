package main

import (
	"os"

	"cvfs/cmd/cvfs/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}

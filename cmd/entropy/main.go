package main

import (
	"os"

	"entropy/cmd/entropy/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/griddle-ai/griddle/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/aaron031291/grace-memory/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/crewd/crewd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

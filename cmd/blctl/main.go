package main

import (
	"os"

	"github.com/batchline-systems/batchline/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

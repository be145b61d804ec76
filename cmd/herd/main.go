package main

import (
	"os"

	"github.com/herdtools/herd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(cli.ExitCode(err))
	}
}

package main

import (
	"os"

	"github.com/fatih/color"

	"github.com/hamzaKhattat/smdr-collector/internal/cli"
)

func main() {
	if err := cli.InitCLI().Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

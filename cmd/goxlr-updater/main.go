package main

import (
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/mixerkit/goxlr-updater/cmd/goxlr-updater/app"
)

func main() {
	if err := app.NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

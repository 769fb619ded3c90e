package main

import (
	"os"

	"github.com/nogringo/nip77/cmd/negclient/internal/app"
)

func main() {
	if err := app.GetCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

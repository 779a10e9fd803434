package main

import (
	"os"

	"github.com/rustyeddy/alerttrader/cmd/alerttrader/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

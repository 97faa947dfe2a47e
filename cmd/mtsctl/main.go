package main

import (
	"os"

	"dev.c0redev.mtsession/cmd/mtsctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/arko-chat/keyflow/cmd/keyflow/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	petrelcli "github.com/petrelmail/petrel/internal/cli"

	// Imported for the side effect of registering the run subcommand.
	_ "github.com/petrelmail/petrel"
)

func main() {
	petrelcli.Run()
}

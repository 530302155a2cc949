package main

import (
	amanecli "github.com/themadorg/amane/internal/cli"

	// Import for the side effect of subcommand registration.
	_ "github.com/themadorg/amane"
	_ "github.com/themadorg/amane/internal/cli/ctl"
)

func main() {
	amanecli.Run()
}

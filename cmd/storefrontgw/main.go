package main

import (
	"os"

	"github.com/stepherg/storefrontgw/internal/cli"
)

var version = "dev"

func main() {
	cli.Version = version
	os.Exit(cli.Execute())
}

package main

import (
	"os"

	"github.com/evacsys/iotrelay/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

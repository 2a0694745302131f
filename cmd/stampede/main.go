package main

import (
	"os"

	"github.com/wesleyorama2/stampede/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}

package main

import (
	"os"

	"github.com/openarchive/stors/cmd"
	"github.com/openarchive/stors/internal"
)

var logger = internal.GetLogger("stors_main")

func main() {
	if err := cmd.Main(os.Args); err != nil {
		logger.Fatal(err)
	}
}

package main

import (
	"os"

	"github.com/Iron-Ham/ensemble/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}

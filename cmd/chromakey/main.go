package main

import (
	"os"

	"github.com/chromakey/chromakey/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}

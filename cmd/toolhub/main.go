package main

import (
	"os"

	"github.com/nuetzliches/toolhub/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}

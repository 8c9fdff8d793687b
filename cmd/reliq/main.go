package main

import (
	"os"

	"github.com/nuetzliches/reliq/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}

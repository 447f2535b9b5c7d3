package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/pcoutinho/pigeon/internal/app"
	"github.com/pcoutinho/pigeon/internal/paths"
)

func main() {
	dataDirFlag := flag.String("data-dir", "", "data directory (default ~/.pigeon)")
	listenFlag := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	dataDir := *dataDirFlag
	if dataDir == "" {
		dataDir = paths.DefaultBaseDir()
	}
	if dataDir == "" {
		fmt.Fprintln(os.Stderr, "error: cannot resolve data directory")
		os.Exit(1)
	}

	fxApp := fx.New(
		app.Module(app.Params{DataDir: dataDir, ListenAddr: *listenFlag}),
	)

	fxApp.Run()
}

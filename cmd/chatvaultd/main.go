package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/chatvault/internal/daemon"
	"github.com/matheus3301/chatvault/internal/profile"
	"go.uber.org/fx"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{ProfileName: profileName, Version: version}),
	)

	app.Run()
}

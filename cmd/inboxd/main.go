package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/inboxd/internal/config"
	"github.com/matheus3301/inboxd/internal/daemon"
	"github.com/matheus3301/inboxd/internal/lock"
	"github.com/matheus3301/inboxd/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.inboxd/config.toml)")
	flag.Parse()

	profileName, err := profile.Resolve(*profileFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	configPath := *configFlag
	if configPath == "" {
		configPath = profile.ConfigPath()
	}
	cfg, err := config.Resolve(configPath, profile.EnvPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{ProfileName: profileName, Config: cfg}),
	)
	var held *lock.HeldError
	if errors.As(app.Err(), &held) {
		fmt.Fprintf(os.Stderr, "error: profile %q is already served by PID %d\n", profileName, held.Owner.PID)
		os.Exit(1)
	}

	app.Run()
}

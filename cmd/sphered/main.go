package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/sphere/internal/daemon"
	"github.com/matheus3301/sphere/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides SPHERE_SESSION and config default)")
	stderrFlag := flag.Bool("stderr", false, "also log to stderr")
	flag.Parse()

	sessionName, err := session.Resolve(*sessionFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName, Stderr: *stderrFlag}),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app.Run()
}

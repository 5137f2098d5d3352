package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/matheus3301/port/internal/daemon"
	"github.com/matheus3301/port/internal/session"
	"github.com/spf13/pflag"
	"go.uber.org/fx"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var p daemon.Params
	var sessionFlag string

	flagSet := pflag.NewFlagSet("portd", pflag.ContinueOnError)
	flagSet.StringVarP(&sessionFlag, "session", "s", "", "session name (overrides config default)")
	flagSet.StringVar(&p.ConfigPath, "config", "", "config file (default ~/.port/config.toml)")
	flagSet.StringVar(&p.SocketPath, "socket", "", "control socket path (default inside the session directory)")
	flagSet.BoolVar(&p.Debug, "debug", false, "log at debug level")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	p.SessionName = session.Resolve(sessionFlag)
	if err := session.ValidateName(p.SessionName); err != nil {
		return err
	}

	app := fx.New(daemon.Module(p))
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

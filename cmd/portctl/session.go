package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/matheus3301/port/internal/session"
	"github.com/urfave/cli/v2"
	"google.golang.org/protobuf/types/known/structpb"
)

var statusCommand = &cli.Command{
	Name:   "status",
	Usage:  "Show the daemon status",
	Before: connect,
	After:  disconnect,
	Action: cmdStatus,
}

var sessionsCommand = &cli.Command{
	Name:   "sessions",
	Usage:  "List the sessions on this machine",
	Action: cmdSessions,
}

var reconcileCommand = &cli.Command{
	Name:   "reconcile",
	Usage:  "Run the reconciliation tasks now",
	Before: connect,
	After:  disconnect,
	Action: cmdReconcile,
}

var backupCommand = &cli.Command{
	Name:   "backup",
	Usage:  "Export or import an encrypted backup",
	Before: connect,
	After:  disconnect,
	Subcommands: []*cli.Command{
		{
			Name:  "export",
			Usage: "Write a backup into the backup directory",
			Flags: []cli.Flag{passwordFlag},
			Action: run("ExportBackup", func(ctx *cli.Context) (map[string]any, error) {
				return map[string]any{"password": ctx.String("password")}, nil
			}),
		},
		{
			Name:      "import",
			Usage:     "Merge a backup into this session",
			ArgsUsage: "PATH",
			Flags:     []cli.Flag{passwordFlag},
			Action: run("ImportBackup", func(ctx *cli.Context) (map[string]any, error) {
				args, err := argsN(ctx, 1)
				if err != nil {
					return nil, err
				}
				path, err := filepath.Abs(args[0])
				if err != nil {
					return nil, err
				}
				return map[string]any{"path": path, "password": ctx.String("password")}, nil
			}),
		},
	},
}

var passwordFlag = &cli.StringFlag{
	Name:     "password",
	Usage:    "backup password",
	EnvVars:  []string{"PORT_BACKUP_PASSWORD"},
	Required: true,
}

var wipeCommand = &cli.Command{
	Name:  "wipe",
	Usage: "Delete the account on the relay and every local trace of it",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "yes", Usage: "confirm the wipe"},
	},
	Before: connect,
	After:  disconnect,
	Action: func(ctx *cli.Context) error {
		if !ctx.Bool("yes") {
			return errors.New("refusing to wipe without --yes")
		}
		return run("WipeAccount", func(*cli.Context) (map[string]any, error) {
			return map[string]any{"confirm": true}, nil
		})(ctx)
	},
}

var watchCommand = &cli.Command{
	Name:      "watch",
	Usage:     "Stream daemon events until interrupted",
	ArgsUsage: "[PREFIX]",
	Before:    connect,
	After:     disconnect,
	Action: func(ctx *cli.Context) error {
		return daemon.Watch(ctx.Context, ctx.Args().First(), func(evt *structpb.Struct) error {
			if ctx.Bool("json") {
				return printJSON(evt)
			}
			ts := time.UnixMilli(num(evt, "timestamp")).Format("15:04:05.000")
			fmt.Printf("%s %-24s %s\n", ts, str(evt, "kind"), compact(evt.GetFields()["payload"]))
			return nil
		})
	},
}

func cmdStatus(ctx *cli.Context) error {
	resp, err := call(ctx, "Status", nil)
	if err != nil {
		return err
	}
	if ctx.Bool("json") {
		return printJSON(resp)
	}
	fmt.Printf("Session:     %s\n", str(resp, "session"))
	fmt.Printf("State:       %s (since %s)\n", str(resp, "state"), formatTime(num(resp, "since")))
	fmt.Printf("Uptime:      %s\n", (time.Duration(num(resp, "uptime_ms")) * time.Millisecond).Round(time.Second))
	fmt.Printf("Client:      %s (%s)\n", str(resp, "client_id"), str(resp, "name"))
	fmt.Printf("Chats:       %d (%d pending, %d unread)\n", num(resp, "connections"), num(resp, "pending"), num(resp, "unread"))
	fmt.Printf("Reconciled:  %s\n", formatTime(num(resp, "last_reconcile")))
	return nil
}

func cmdSessions(ctx *cli.Context) error {
	names, err := session.List()
	if err != nil {
		return err
	}
	current := session.Resolve(ctx.String("session"))
	if len(names) == 0 {
		fmt.Println("No sessions.")
		return nil
	}
	for _, name := range names {
		marker, state := " ", "stopped"
		if name == current {
			marker = "*"
		}
		if _, err := os.Stat(session.SocketPath(name)); err == nil {
			state = "running"
		}
		fmt.Printf("%s %-20s %s\n", marker, name, state)
	}
	return nil
}

func cmdReconcile(ctx *cli.Context) error {
	resp, err := call(ctx, "Reconcile", nil)
	if err != nil {
		return err
	}
	if ctx.Bool("json") {
		return printJSON(resp)
	}
	for _, task := range list(resp, "tasks") {
		result := "ok"
		if e := str(task, "error"); e != "" {
			result = e
		}
		fmt.Printf("%-24s %6dms  %s\n", str(task, "task"), num(task, "duration_ms"), result)
	}
	if boolean(resp, "failed") {
		return errors.New("reconciliation had failures")
	}
	return nil
}

func compact(v *structpb.Value) string {
	if v == nil {
		return ""
	}
	b, err := v.MarshalJSON()
	if err != nil {
		return ""
	}
	return string(b)
}

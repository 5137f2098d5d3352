package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/port/internal/client"
	"github.com/matheus3301/port/internal/session"
	"github.com/urfave/cli/v2"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// daemon is set by connect.
var daemon *client.Client

func main() {
	app := &cli.App{
		Name:  "portctl",
		Usage: "Control a port session daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "session",
				Usage: "session name (overrides config default)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print raw JSON responses",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "per-call timeout",
				Value: 30 * time.Second,
			},
		},
		Commands: []*cli.Command{
			statusCommand,
			sessionsCommand,
			portCommand,
			consumeCommand,
			contactCommand,
			chatCommand,
			folderCommand,
			presetCommand,
			sendCommand,
			sendFileCommand,
			cancelUploadCommand,
			downloadCommand,
			messagesCommand,
			reactCommand,
			deleteCommand,
			readCommand,
			reconcileCommand,
			backupCommand,
			wipeCommand,
			watchCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// connect dials the daemon of the selected session. It is the Before hook
// of every command that talks to the daemon.
func connect(ctx *cli.Context) error {
	name := session.Resolve(ctx.String("session"))
	if err := session.ValidateName(name); err != nil {
		return err
	}
	c, err := client.New(session.SocketPath(name))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	}
	daemon = c
	return nil
}

func disconnect(*cli.Context) error {
	if daemon == nil {
		return nil
	}
	return daemon.Close()
}

// call invokes method on the daemon with the global timeout.
func call(ctx *cli.Context, method string, req map[string]any) (*structpb.Struct, error) {
	if daemon == nil {
		return nil, fmt.Errorf("not connected")
	}
	cctx, cancel := context.WithTimeout(ctx.Context, ctx.Duration("timeout"))
	defer cancel()
	return daemon.Call(cctx, method, req)
}

// run is the Action of commands that print the response as is.
func run(method string, build func(*cli.Context) (map[string]any, error)) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		req := map[string]any{}
		if build != nil {
			var err error
			if req, err = build(ctx); err != nil {
				return err
			}
		}
		resp, err := call(ctx, method, req)
		if err != nil {
			return err
		}
		return printJSON(resp)
	}
}

// argsN returns the first n positional arguments or a usage error.
func argsN(ctx *cli.Context, n int) ([]string, error) {
	if ctx.NArg() < n {
		return nil, fmt.Errorf("usage: %s %s", ctx.Command.FullName(), ctx.Command.ArgsUsage)
	}
	return ctx.Args().Slice()[:n], nil
}

func printJSON(resp *structpb.Struct) error {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func num(s *structpb.Struct, key string) int64 {
	return int64(s.GetFields()[key].GetNumberValue())
}

func boolean(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

func list(s *structpb.Struct, key string) []*structpb.Struct {
	var out []*structpb.Struct
	for _, v := range s.GetFields()[key].GetListValue().GetValues() {
		out = append(out, v.GetStructValue())
	}
	return out
}

func sub(s *structpb.Struct, key string) *structpb.Struct {
	return s.GetFields()[key].GetStructValue()
}

// parseSettings turns key=value pairs into request fields. true, false
// and numbers are sent typed; anything else as a string.
func parseSettings(pairs []string, into map[string]any) error {
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return fmt.Errorf("setting %q is not key=value", pair)
		}
		if value == "true" || value == "false" {
			into[key] = value == "true"
		} else if n, err := strconv.ParseFloat(value, 64); err == nil {
			into[key] = n
		} else {
			into[key] = value
		}
	}
	return nil
}

func formatTime(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04")
}

package main

import (
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/urfave/cli/v2"
)

var portCommand = &cli.Command{
	Name:   "port",
	Usage:  "Create and manage invitations",
	Before: connect,
	After:  disconnect,
	Subcommands: []*cli.Command{
		{
			Name:  "create",
			Usage: "Create a port (single use) or a superport",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "superport", Usage: "allow more than one connection"},
				&cli.IntFlag{Name: "limit", Usage: "superport connection limit, 0 for unlimited"},
				&cli.BoolFlag{Name: "group", Usage: "invite into a group instead of a direct chat"},
				&cli.DurationFlag{Name: "expiry", Usage: "time until the port expires (default from config)"},
				&cli.BoolFlag{Name: "no-expiry", Usage: "never expire"},
				&cli.StringFlag{Name: "folder", Usage: "folder for the resulting chats"},
				&cli.StringFlag{Name: "preset", Usage: "permission preset for the resulting chats"},
				&cli.StringFlag{Name: "label", Usage: "label shown to the reader"},
				&cli.BoolFlag{Name: "qr", Usage: "print the bundle URL as a QR code"},
			},
			Action: cmdPortCreate,
		},
		{
			Name:   "list",
			Usage:  "List generated ports",
			Action: cmdPortList,
		},
		{
			Name:      "pause",
			Usage:     "Stop a port from accepting connections",
			ArgsUsage: "BUNDLE_ID",
			Action:    run("PausePort", bundleArg),
		},
		{
			Name:      "resume",
			Usage:     "Let a paused port accept connections again",
			ArgsUsage: "BUNDLE_ID",
			Action:    run("ResumePort", bundleArg),
		},
	},
}

var consumeCommand = &cli.Command{
	Name:      "consume",
	Usage:     "Open a chat through a bundle URL",
	ArgsUsage: "URL",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "folder", Usage: "folder for the new chat"},
	},
	Before: connect,
	After:  disconnect,
	Action: cmdConsume,
}

var contactCommand = &cli.Command{
	Name:   "contact",
	Usage:  "Manage contact ports exchanged inside chats",
	Before: connect,
	After:  disconnect,
	Subcommands: []*cli.Command{
		{
			Name:      "pause",
			Usage:     "Pause our contact port for a chat",
			ArgsUsage: "CHAT_ID",
			Action:    run("PauseContactPort", chatArg),
		},
		{
			Name:      "resume",
			Usage:     "Resume our contact port for a chat",
			ArgsUsage: "CHAT_ID",
			Action:    run("ResumeContactPort", chatArg),
		},
		{
			Name:      "share",
			Usage:     "Forward the contact of one chat into another",
			ArgsUsage: "FROM_CHAT_ID TO_CHAT_ID",
			Action: run("ShareContactPort", func(ctx *cli.Context) (map[string]any, error) {
				args, err := argsN(ctx, 2)
				if err != nil {
					return nil, err
				}
				return map[string]any{"from_chat_id": args[0], "to_chat_id": args[1]}, nil
			}),
		},
	},
}

func bundleArg(ctx *cli.Context) (map[string]any, error) {
	args, err := argsN(ctx, 1)
	if err != nil {
		return nil, err
	}
	return map[string]any{"bundle_id": args[0]}, nil
}

func cmdPortCreate(ctx *cli.Context) error {
	req := map[string]any{
		"label":     ctx.String("label"),
		"folder_id": ctx.String("folder"),
		"preset_id": ctx.String("preset"),
		"no_expiry": ctx.Bool("no-expiry"),
	}
	if ctx.Bool("superport") {
		req["kind"] = "superport"
		req["connection_limit"] = ctx.Int("limit")
	}
	if ctx.Bool("group") {
		req["target"] = "group"
	}
	if d := ctx.Duration("expiry"); d > 0 {
		req["expiry"] = d.String()
	}
	resp, err := call(ctx, "CreatePort", req)
	if err != nil {
		return err
	}
	if ctx.Bool("json") {
		return printJSON(resp)
	}
	p := sub(resp, "port")
	fmt.Printf("Port:    %s (%s, %s)\n", str(p, "bundle_id"), str(p, "kind"), str(p, "target"))
	fmt.Printf("Expires: %s\n", formatTime(num(p, "expiry_timestamp")))
	fmt.Printf("URL:     %s\n", str(p, "url"))
	if ctx.Bool("qr") {
		qr, err := renderQR(str(p, "url"))
		if err != nil {
			return err
		}
		fmt.Print(qr)
	}
	return nil
}

func cmdPortList(ctx *cli.Context) error {
	resp, err := call(ctx, "ListPorts", nil)
	if err != nil {
		return err
	}
	if ctx.Bool("json") {
		return printJSON(resp)
	}
	ports := list(resp, "ports")
	if len(ports) == 0 {
		fmt.Println("No ports.")
		return nil
	}
	for _, p := range ports {
		limit := "unlimited"
		if n := num(p, "connection_limit"); n > 0 {
			limit = fmt.Sprint(n)
		}
		state := "active"
		if boolean(p, "paused") {
			state = "paused"
		}
		fmt.Printf("%-36s %-9s %d/%-9s %-6s %s %s\n",
			str(p, "bundle_id"), str(p, "kind"), num(p, "uses_consumed"), limit, state,
			formatTime(num(p, "expiry_timestamp")), str(p, "label"))
	}
	return nil
}

func cmdConsume(ctx *cli.Context) error {
	args, err := argsN(ctx, 1)
	if err != nil {
		return err
	}
	resp, err := call(ctx, "ConsumePort", map[string]any{"url": args[0], "folder_id": ctx.String("folder")})
	if err != nil {
		return err
	}
	if ctx.Bool("json") {
		return printJSON(resp)
	}
	if v := sub(resp, "error"); v != nil {
		return fmt.Errorf("%s %s", str(v, "code"), str(v, "message"))
	}
	c := sub(resp, "connection")
	fmt.Printf("Chat %s opened, waiting for the exchange to finish.\n", str(c, "chat_id"))
	return nil
}

// renderQR converts a string to a compact QR code using Unicode
// half-block characters. Two bitmap rows become one terminal line.
func renderQR(content string) (string, error) {
	qr, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("qr: %w", err)
	}
	bitmap := qr.Bitmap()
	var sb strings.Builder
	for y := 0; y < len(bitmap); y += 2 {
		sb.WriteString("  ")
		for x := range bitmap[y] {
			top := bitmap[y][x]
			bot := y+1 < len(bitmap) && bitmap[y+1][x]
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String(), nil
}

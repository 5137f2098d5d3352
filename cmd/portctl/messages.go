package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"
)

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a text message",
	ArgsUsage: "CHAT_ID TEXT...",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "reply", Usage: "message id to reply to"},
		&cli.BoolFlag{Name: "name", Usage: "announce TEXT as our display name instead"},
	},
	Before: connect,
	After:  disconnect,
	Action: run("SendMessage", func(ctx *cli.Context) (map[string]any, error) {
		args, err := argsN(ctx, 2)
		if err != nil {
			return nil, err
		}
		req := map[string]any{
			"chat_id":  args[0],
			"text":     strings.Join(ctx.Args().Slice()[1:], " "),
			"reply_id": ctx.String("reply"),
		}
		if ctx.Bool("name") {
			req["type"] = "name"
		}
		return req, nil
	}),
}

var sendFileCommand = &cli.Command{
	Name:      "send-file",
	Usage:     "Encrypt, upload and send a file",
	ArgsUsage: "CHAT_ID PATH",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "caption"},
	},
	Before: connect,
	After:  disconnect,
	Action: run("SendFile", func(ctx *cli.Context) (map[string]any, error) {
		args, err := argsN(ctx, 2)
		if err != nil {
			return nil, err
		}
		path, err := filepath.Abs(args[1])
		if err != nil {
			return nil, err
		}
		return map[string]any{"chat_id": args[0], "path": path, "caption": ctx.String("caption")}, nil
	}),
}

var cancelUploadCommand = &cli.Command{
	Name:      "cancel-upload",
	Usage:     "Abort the upload of a file",
	ArgsUsage: "PATH",
	Before:    connect,
	After:     disconnect,
	Action: run("CancelUpload", func(ctx *cli.Context) (map[string]any, error) {
		args, err := argsN(ctx, 1)
		if err != nil {
			return nil, err
		}
		path, err := filepath.Abs(args[0])
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": path}, nil
	}),
}

var downloadCommand = &cli.Command{
	Name:      "download",
	Usage:     "Download the attachment of a message",
	ArgsUsage: "CHAT_ID MESSAGE_ID",
	Before:    connect,
	After:     disconnect,
	Action:    run("DownloadMedia", messageArgs),
}

var messagesCommand = &cli.Command{
	Name:      "messages",
	Usage:     "List the messages of a chat",
	ArgsUsage: "CHAT_ID",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "limit", Value: 50},
		&cli.Int64Flag{Name: "since", Usage: "only messages after this timestamp (unix ms)"},
		&cli.Int64Flag{Name: "since-id", Usage: "resume after this cursor_id within the --since timestamp"},
	},
	Before: connect,
	After:  disconnect,
	Action: cmdMessages,
}

var reactCommand = &cli.Command{
	Name:      "react",
	Usage:     "React to a message; omit EMOJI to clear the reaction",
	ArgsUsage: "CHAT_ID MESSAGE_ID [EMOJI]",
	Before:    connect,
	After:     disconnect,
	Action: run("React", func(ctx *cli.Context) (map[string]any, error) {
		req, err := messageArgs(ctx)
		if err != nil {
			return nil, err
		}
		req["emoji"] = ctx.Args().Get(2)
		return req, nil
	}),
}

var deleteCommand = &cli.Command{
	Name:      "delete",
	Usage:     "Delete one of our messages for both sides",
	ArgsUsage: "CHAT_ID MESSAGE_ID",
	Before:    connect,
	After:     disconnect,
	Action:    run("DeleteMessage", messageArgs),
}

var readCommand = &cli.Command{
	Name:      "read",
	Usage:     "Mark a chat as read",
	ArgsUsage: "CHAT_ID",
	Before:    connect,
	After:     disconnect,
	Action:    run("MarkRead", chatArg),
}

func messageArgs(ctx *cli.Context) (map[string]any, error) {
	args, err := argsN(ctx, 2)
	if err != nil {
		return nil, err
	}
	return map[string]any{"chat_id": args[0], "message_id": args[1]}, nil
}

func cmdMessages(ctx *cli.Context) error {
	req, err := chatArg(ctx)
	if err != nil {
		return err
	}
	req["limit"] = ctx.Int("limit")
	req["cursor"] = ctx.Int64("since")
	req["cursor_id"] = ctx.Int64("since-id")
	resp, err := call(ctx, "ListMessages", req)
	if err != nil {
		return err
	}
	if ctx.Bool("json") {
		return printJSON(resp)
	}
	for _, m := range list(resp, "messages") {
		who := "them"
		if boolean(m, "outgoing") {
			who = "me"
		}
		body := str(m, "text")
		if name := str(m, "file_name"); name != "" {
			body = fmt.Sprintf("[%s] %s", name, body)
		}
		fmt.Printf("%s %-4s %-9s %-20s %s\n",
			formatTime(num(m, "timestamp")), who, str(m, "status"), str(m, "type"), body)
	}
	if boolean(resp, "has_more") {
		fmt.Printf("more: --since %d --since-id %d\n", num(resp, "cursor"), num(resp, "cursor_id"))
	}
	return nil
}

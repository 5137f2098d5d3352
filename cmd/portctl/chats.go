package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

var chatCommand = &cli.Command{
	Name:   "chat",
	Usage:  "Inspect and manage chats",
	Before: connect,
	After:  disconnect,
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "List chats",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "folder", Usage: "only chats in this folder"},
			},
			Action: cmdChatList,
		},
		{
			Name:      "show",
			Usage:     "Show one chat",
			ArgsUsage: "CHAT_ID",
			Action:    run("GetConnection", chatArg),
		},
		{
			Name:      "move",
			Usage:     "Move a chat to another folder",
			ArgsUsage: "CHAT_ID FOLDER_ID",
			Action: run("MoveConnection", func(ctx *cli.Context) (map[string]any, error) {
				args, err := argsN(ctx, 2)
				if err != nil {
					return nil, err
				}
				return map[string]any{"chat_id": args[0], "folder_id": args[1]}, nil
			}),
		},
		{
			Name:      "disconnect",
			Usage:     "End a chat",
			ArgsUsage: "CHAT_ID",
			Action:    run("Disconnect", chatArg),
		},
		{
			Name:      "perms",
			Usage:     "Show or change the permissions of a chat",
			ArgsUsage: "CHAT_ID",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{Name: "set", Usage: "key=value, e.g. read_receipts=false or disappearing_messages=60"},
			},
			Action: cmdChatPerms,
		},
		{
			Name:      "members",
			Usage:     "List the members of a group chat",
			ArgsUsage: "CHAT_ID",
			Action:    run("ListGroupMembers", chatArg),
		},
	},
}

var folderCommand = &cli.Command{
	Name:   "folder",
	Usage:  "Manage folders and their permission templates",
	Before: connect,
	After:  disconnect,
	Subcommands: []*cli.Command{
		{
			Name:   "list",
			Usage:  "List folders",
			Action: run("ListFolders", nil),
		},
		{
			Name:      "add",
			Usage:     "Create a folder",
			ArgsUsage: "NAME",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "preset", Usage: "start the template from this preset"},
				&cli.StringSliceFlag{Name: "set", Usage: "template permission as key=value"},
			},
			Action: run("AddFolder", func(ctx *cli.Context) (map[string]any, error) {
				args, err := argsN(ctx, 1)
				if err != nil {
					return nil, err
				}
				req := map[string]any{"name": args[0]}
				if preset := ctx.String("preset"); preset != "" {
					req["preset_id"] = preset
				}
				return req, parseSettings(ctx.StringSlice("set"), req)
			}),
		},
		{
			Name:      "delete",
			Usage:     "Delete a folder, moving its chats to the default folder",
			ArgsUsage: "FOLDER_ID",
			Action:    run("DeleteFolder", folderArg),
		},
		{
			Name:      "perms",
			Usage:     "Change a folder's permission template",
			ArgsUsage: "FOLDER_ID",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{Name: "set", Usage: "key=value"},
				&cli.BoolFlag{Name: "apply", Usage: "copy the template onto the folder's chats"},
			},
			Action: run("UpdateFolderPermissions", func(ctx *cli.Context) (map[string]any, error) {
				req, err := folderArg(ctx)
				if err != nil {
					return nil, err
				}
				req["apply"] = ctx.Bool("apply")
				return req, parseSettings(ctx.StringSlice("set"), req)
			}),
		},
		{
			Name:      "apply",
			Usage:     "Copy a folder's template onto its chats",
			ArgsUsage: "FOLDER_ID",
			Action:    run("ApplyFolderPermissions", folderArg),
		},
	},
}

var presetCommand = &cli.Command{
	Name:   "preset",
	Usage:  "Manage permission presets offered to new ports and folders",
	Before: connect,
	After:  disconnect,
	Subcommands: []*cli.Command{
		{
			Name:   "list",
			Usage:  "List presets",
			Action: run("ListPermissionPresets", nil),
		},
		{
			Name:      "add",
			Usage:     "Create a preset",
			ArgsUsage: "NAME",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{Name: "set", Usage: "permission as key=value"},
			},
			Action: run("AddPermissionPreset", func(ctx *cli.Context) (map[string]any, error) {
				args, err := argsN(ctx, 1)
				if err != nil {
					return nil, err
				}
				req := map[string]any{"name": args[0]}
				return req, parseSettings(ctx.StringSlice("set"), req)
			}),
		},
		{
			Name:      "edit",
			Usage:     "Rename a preset or change its permissions",
			ArgsUsage: "PRESET_ID",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "name"},
				&cli.StringSliceFlag{Name: "set", Usage: "permission as key=value"},
			},
			Action: run("UpdatePermissionPreset", func(ctx *cli.Context) (map[string]any, error) {
				req, err := presetArg(ctx)
				if err != nil {
					return nil, err
				}
				if name := ctx.String("name"); name != "" {
					req["name"] = name
				}
				return req, parseSettings(ctx.StringSlice("set"), req)
			}),
		},
		{
			Name:      "delete",
			Usage:     "Delete a preset",
			ArgsUsage: "PRESET_ID",
			Action:    run("DeletePermissionPreset", presetArg),
		},
	},
}

func presetArg(ctx *cli.Context) (map[string]any, error) {
	args, err := argsN(ctx, 1)
	if err != nil {
		return nil, err
	}
	return map[string]any{"preset_id": args[0]}, nil
}

func chatArg(ctx *cli.Context) (map[string]any, error) {
	args, err := argsN(ctx, 1)
	if err != nil {
		return nil, err
	}
	return map[string]any{"chat_id": args[0]}, nil
}

func folderArg(ctx *cli.Context) (map[string]any, error) {
	args, err := argsN(ctx, 1)
	if err != nil {
		return nil, err
	}
	return map[string]any{"folder_id": args[0]}, nil
}

func cmdChatList(ctx *cli.Context) error {
	method, req := "ListConnections", map[string]any{}
	if folder := ctx.String("folder"); folder != "" {
		method, req["folder_id"] = "ListConnectionsByFolder", folder
	}
	resp, err := call(ctx, method, req)
	if err != nil {
		return err
	}
	if ctx.Bool("json") {
		return printJSON(resp)
	}
	chats := list(resp, "connections")
	if len(chats) == 0 {
		fmt.Println("No chats.")
		return nil
	}
	for _, c := range chats {
		state := "pending"
		switch {
		case boolean(c, "disconnected"):
			state = "disconnected"
		case boolean(c, "authenticated"):
			state = "active"
		}
		fmt.Printf("%-36s %-6s %-12s %3d unread  %s  %s\n",
			str(c, "chat_id"), str(c, "type"), state, num(c, "unread_count"),
			formatTime(num(c, "timestamp")), str(c, "name"))
	}
	return nil
}

func cmdChatPerms(ctx *cli.Context) error {
	req, err := chatArg(ctx)
	if err != nil {
		return err
	}
	method := "GetChatPermissions"
	if settings := ctx.StringSlice("set"); len(settings) > 0 {
		method = "UpdateChatPermissions"
		if err := parseSettings(settings, req); err != nil {
			return err
		}
	}
	resp, err := call(ctx, method, req)
	if err != nil {
		return err
	}
	return printJSON(resp)
}

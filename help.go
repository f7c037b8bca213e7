package main

import (
	"context"
	"fmt"
)

const helpUsage = `
Usage:	wasmhive <command> [options]

Server Commands:
   serve    Serve a directory tree of WebAssembly workers over HTTP
   routes   Print the routes discovered in a worker tree

Other Commands:
   config   Show or edit the wasmhive configuration
   help     Show usage information about wasmhive commands
   version  Show the wasmhive version information

For a description of each command, run 'wasmhive help <command>'.`

func help(ctx context.Context, args []string) error {
	flagSet := newFlagSet("wasmhive help", helpUsage)
	args = parseFlags(flagSet, args)

	var cmd string
	var msg string

	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "config":
		msg = configUsage
	case "help", "":
		msg = helpUsage
	case "routes":
		msg = routesUsage
	case "serve":
		msg = serveUsage
	case "version":
		msg = versionUsage
	default:
		fmt.Printf("wasmhive help %s: unknown command\n", cmd)
		return exitCode(1)
	}

	fmt.Println(msg)
	return nil
}

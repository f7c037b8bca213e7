package main

import (
	"context"
	"os"

	"github.com/wasmhive/wasmhive/internal/hive"
	"github.com/wasmhive/wasmhive/internal/router"
	"github.com/wasmhive/wasmhive/internal/worker"
)

const routesUsage = `
Usage:	wasmhive routes [options] <root>

Options:
   -c, --config path  Path to the wasmhive configuration file (overrides WASMHIVECONFIG)
   -h, --help         Show this usage information
`

// routes prints the route table a worker tree would be served with, without
// starting the server.
func routes(ctx context.Context, args []string) error {
	flagSet := newFlagSet("wasmhive routes", routesUsage)
	args = parseFlags(flagSet, args)
	if len(args) != 1 {
		return usageError("expected exactly one worker tree root, got %d arguments", len(args))
	}

	config, err := hive.LoadConfig()
	if err != nil {
		return err
	}

	runtime, err := config.NewRuntime(ctx)
	if err != nil {
		return err
	}
	defer runtime.Close(ctx)

	loader := worker.NewLoader(runtime, nil,
		worker.WithMaxMemoryPages(config.MemoryPages()))

	table, err := router.Build(ctx, args[0], loader)
	if err != nil {
		return err
	}
	printRoutes(os.Stdout, table)
	return nil
}

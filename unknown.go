package main

import (
	"context"
)

const unknownCommand = `wasmhive %s: unknown command
For a list of commands available, run 'wasmhive help.'
`

func unknown(ctx context.Context, cmd string) error {
	return usageError(unknownCommand, cmd)
}

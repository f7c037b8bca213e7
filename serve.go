package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wasmhive/wasmhive/internal/hive"
	"github.com/wasmhive/wasmhive/internal/kv"
	"github.com/wasmhive/wasmhive/internal/router"
	"github.com/wasmhive/wasmhive/internal/sandbox"
	"github.com/wasmhive/wasmhive/internal/worker"
)

const serveUsage = `
Usage:	wasmhive serve [options] <root>

Options:
   -c, --config path     Path to the wasmhive configuration file (overrides WASMHIVECONFIG)
       --dir dir         Expose a directory to every worker
   -e, --env name=value  Pass an environment variable to every worker
   -H, --host host       Hostname to bind to (overrides the configuration)
   -h, --help            Show this usage information
   -p, --port port       Port to listen on (overrides the configuration)
   -T, --trace           Enable strace-like logging of WASI host calls
   -v, --verbose         Enable debug logging
   -w, --watch           Rebuild routes when the worker tree changes (default to true)
`

func serve(ctx context.Context, args []string) error {
	var (
		envs    stringList
		dirs    stringList
		host    string
		port    int
		trace   = false
		verbose = false
		watch   = true
	)

	flagSet := newFlagSet("wasmhive serve", serveUsage)
	customVar(flagSet, &envs, "e", "env")
	customVar(flagSet, &dirs, "dir")
	stringVar(flagSet, &host, "H", "host")
	intVar(flagSet, &port, "p", "port")
	boolVar(flagSet, &trace, "T", "trace")
	boolVar(flagSet, &verbose, "v", "verbose")
	boolVar(flagSet, &watch, "w", "watch")

	args = parseFlags(flagSet, args)
	if len(args) != 1 {
		return usageError("expected exactly one worker tree root, got %d arguments", len(args))
	}
	root := args[0]

	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}

	config, err := hive.LoadConfig()
	if err != nil {
		return err
	}
	if host != "" {
		config.Server.Host = host
	}
	if port != 0 {
		config.Server.Port = port
	}

	logger, err := newLogger(verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	runtime, err := config.NewRuntime(ctx)
	if err != nil {
		return err
	}
	defer runtime.Close(ctx)

	loader := worker.NewLoader(runtime, logger,
		worker.WithMaxMemoryPages(config.MemoryPages()))
	store := kv.NewStore()

	executorOpts := []sandbox.ExecutorOption{
		sandbox.WithTimeout(time.Duration(config.Workers.Timeout)),
		sandbox.WithMaxOutputSize(config.Workers.MaxOutput),
		sandbox.WithEnv(envs...),
		sandbox.WithDirs(dirs...),
		sandbox.WithLogger(logger),
	}
	if trace {
		executorOpts = append(executorOpts, sandbox.WithTrace(os.Stderr))
	}
	executor := sandbox.NewExecutor(runtime, store, executorOpts...)

	supervisor := hive.NewSupervisor(root, loader, logger,
		hive.WithWatchInterval(time.Duration(config.Watch.Interval)))

	table, err := supervisor.Build(ctx)
	if err != nil {
		return err
	}
	printRoutes(os.Stdout, table)

	handler := hive.NewHandler(supervisor, executor, logger,
		hive.WithMaxRequestBody(config.Workers.MaxRequestBody))

	addr := net.JoinHostPort(config.Server.Host, strconv.Itoa(config.Server.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	fmt.Printf("wasmhive listening on http://%s\n", listener.Addr())

	server := &http.Server{Handler: handler}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	if watch {
		group.Go(func() error {
			return supervisor.Run(ctx)
		})
	}
	group.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func printRoutes(w io.Writer, table *router.Table) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUTE\tMETHODS\tWORKER")
	for _, e := range table.Entries() {
		methods := "*"
		if len(e.Methods) > 0 {
			methods = strings.Join(e.Methods, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Pattern.String(), methods, e.Worker.Path)
	}
	_ = tw.Flush()
}

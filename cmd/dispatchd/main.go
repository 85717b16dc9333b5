// dispatchd accepts TCP connections, reads one request per connection and answers 200 OK.
//
//	dispatchd [port]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"syscall"

	"github.com/joeycumines/logiface"
	"github.com/s00inx/dispatchd/server"
	"github.com/s00inx/dispatchd/server/engine"
	"go.uber.org/automaxprocs/maxprocs"
)

var errUsage = errors.New("usage: dispatchd [port]")

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	log := server.NewLogger(stderr, logiface.LevelInformational)

	port, err := parsePort(args)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	// GOMAXPROCS decides the pool size, so the container quota has to be applied first
	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		log.Debug().Logf(format, args...)
	}))
	defer undo()
	if err != nil {
		log.Warning().Err(err).Log(`failed to apply cpu quota`)
	}

	flag := engine.NewShutdown()
	stop := engine.WatchSignals(flag, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(
		server.Config{Port: port},
		server.WithLogger(log),
		server.WithObserver(engine.NewWriterObserver(stdout)),
		server.WithShutdown(flag),
	)
	if err := srv.Run(ctx); err != nil {
		log.Crit().Err(err).Log(`server failed`)
		return 1
	}
	return 0
}

// one optional positional argument, the port
func parsePort(args []string) (int, error) {
	switch len(args) {
	case 0:
		return server.DefaultPort, nil
	case 1:
	default:
		return 0, errUsage
	}

	port, err := strconv.Atoi(args[0])
	if err != nil || port < 1 || port > 0xffff {
		return 0, fmt.Errorf("%w: invalid port %q", errUsage, args[0])
	}
	return port, nil
}

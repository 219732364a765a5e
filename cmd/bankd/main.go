// bankd is the UDP banking server. It binds one datagram socket, runs
// the single-threaded request loop and simulates message loss when asked
// to, so invocation semantics can be exercised against an unreliable
// transport.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bankd/bankd/bank"
	"github.com/bankd/bankd/server"
)

var (
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	logJSONFlag = &cli.BoolFlag{
		Name:  "log.json",
		Usage: "Format logs with JSON",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "Write logs to a file (rotated at 100MB)",
	}
	cacheTTLFlag = &cli.DurationFlag{
		Name:  "cache-ttl",
		Usage: "Lifetime of at-most-once reply cache entries",
		Value: server.DefaultCacheTTL,
	}
	sweepFlag = &cli.DurationFlag{
		Name:  "cache-sweep",
		Usage: "Interval between reply cache sweeps (0 disables sweeping)",
		Value: time.Minute,
	}
)

var app = &cli.App{
	Name:      "bankd",
	Usage:     "UDP banking server with configurable invocation semantics",
	ArgsUsage: "<port> [requestLoss%] [replyLoss%]",
	Flags: []cli.Flag{
		verbosityFlag,
		logJSONFlag,
		logFileFlag,
		cacheTTLFlag,
		sweepFlag,
	},
	Action: run,
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	setupLogger(ctx)

	port, pReq, pRep, err := parseArgs(ctx)
	if err != nil {
		return err
	}
	sim, err := server.NewSimulator(pReq, pRep)
	if err != nil {
		return err
	}

	svc := bank.NewService(bank.NewStore())
	cache := server.NewCache(ctx.Duration(cacheTTLFlag.Name), nil)
	registry := server.NewRegistry(nil)
	disp := server.NewDispatcher(svc, cache, registry)

	srv, err := server.Listen(port, disp, sim)
	if err != nil {
		return fmt.Errorf("bind port %d: %w", port, err)
	}
	srv.Start()

	stopSweep := startSweeper(cache, ctx.Duration(sweepFlag.Name))
	defer stopSweep()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-interrupt
	log.Warn("Shutting down", "signal", sig)

	srv.Stop()
	stats := sim.Stats()
	log.Info("Final state", "cachedReplies", cache.Len(), "registrations", registry.Len(),
		"droppedRequests", stats.RequestsDropped, "droppedReplies", stats.RepliesDropped)
	return nil
}

// parseArgs reads the positional arguments: the listen port and the
// optional request/reply loss percentages in [0,100].
func parseArgs(ctx *cli.Context) (port int, pReq, pRep float64, err error) {
	args := ctx.Args()
	if args.Len() < 1 || args.Len() > 3 {
		return 0, 0, 0, fmt.Errorf("usage: %s %s", ctx.App.Name, ctx.App.ArgsUsage)
	}
	port, err = strconv.Atoi(args.Get(0))
	if err != nil || port < 1 || port > 65535 {
		return 0, 0, 0, fmt.Errorf("invalid port %q", args.Get(0))
	}
	if pReq, err = parsePercent(args.Get(1)); err != nil {
		return 0, 0, 0, fmt.Errorf("request loss: %w", err)
	}
	if pRep, err = parsePercent(args.Get(2)); err != nil {
		return 0, 0, 0, fmt.Errorf("reply loss: %w", err)
	}
	return port, pReq, pRep, nil
}

// parsePercent converts a percentage argument to a probability. An empty
// string means the argument was not given and defaults to zero.
func parsePercent(arg string) (float64, error) {
	if arg == "" {
		return 0, nil
	}
	pct, err := strconv.ParseFloat(arg, 64)
	if err != nil || pct < 0 || pct > 100 {
		return 0, fmt.Errorf("invalid percentage %q", arg)
	}
	return pct / 100, nil
}

func setupLogger(ctx *cli.Context) {
	var output io.Writer = os.Stderr
	usecolor := isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("TERM") != "dumb"
	if file := ctx.String(logFileFlag.Name); file != "" {
		output = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100,
			MaxBackups: 3,
		}
		usecolor = false
	}

	var handler slog.Handler
	if ctx.Bool(logJSONFlag.Name) {
		handler = log.JSONHandler(output)
	} else {
		handler = log.NewTerminalHandler(output, usecolor)
	}
	glogger := log.NewGlogHandler(handler)
	glogger.Verbosity(log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)))
	log.SetDefault(log.NewLogger(glogger))
}

// startSweeper periodically evicts expired reply cache entries so an
// idle server does not accumulate them forever.
func startSweeper(cache *server.Cache, interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cache.Sweep()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

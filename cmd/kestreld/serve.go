package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kestrelio/kestrel/internal/config"
	"github.com/kestrelio/kestrel/internal/logx"
	"github.com/kestrelio/kestrel/ioruntime"
	"github.com/kestrelio/kestrel/reactor"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var (
		addr       string
		workers    int
		configPath string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a TCP echo server on the reactor/ioruntime stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), addr, workers, configPath, verbose)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9000", "address to listen on")
	cmd.Flags().IntVar(&workers, "workers", 4, "number of scheduler worker goroutines")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a kestrel.yaml config file (optional)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	return cmd
}

func serve(ctx context.Context, addr string, workers int, configPath string, verbose bool) error {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log := logx.NewConsole("kestreld", level)

	cfg := config.Defaults()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	r, err := reactor.New(workers, false, "kestreld", cfg.MaxEvents(), cfg.MaxBlock())
	if err != nil {
		return err
	}

	// Every fiber the scheduler ever dispatches inherits whatever context
	// Start was given (each worker's dispatch loop pins its own ctx), so
	// hook-enabled has to be set here rather than per call site.
	hookedCtx := ioruntime.SetHookEnabled(ctx, true)
	r.Start(hookedCtx)
	defer r.Stop(context.Background())

	rt := ioruntime.New(r)

	listenFD, err := listenTCP4(rt, addr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", addr).Int("workers", workers).Msg("kestreld: listening")

	runEchoServer(hookedCtx, rt, r, listenFD, cfg, log)

	waitForSignal(log)
	return rt.Close(context.Background(), listenFD)
}

func waitForSignal(log zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("kestreld: shutting down")
}

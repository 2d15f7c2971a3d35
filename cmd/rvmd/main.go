package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/germanamz/rvm/pkg/backend"
	"github.com/germanamz/rvm/pkg/config"
	"github.com/germanamz/rvm/pkg/eventstream"
	"github.com/germanamz/rvm/pkg/hardware"
	"github.com/germanamz/rvm/pkg/journal"
	"github.com/germanamz/rvm/pkg/kiosk"
	"github.com/germanamz/rvm/pkg/logging"
	"github.com/germanamz/rvm/pkg/statusapi"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Handle subcommands before flag parsing.
	if len(os.Args) > 1 && os.Args[1] == "config" {
		configCmd := flag.NewFlagSet("config", flag.ExitOnError)
		configCmd.Usage = func() {
			fmt.Fprintf(os.Stderr, "Usage: rvmd config [flags]\n\nValidate the configuration and print its differences from the factory defaults.\n\nFlags:\n")
			configCmd.PrintDefaults()
		}
		cfgPath := configCmd.String("config", "rvm.yaml", "path to configuration file")
		envFile := configCmd.String("env", ".env", "path to .env file (ignored if missing)")
		_ = configCmd.Parse(os.Args[2:])

		if err := loadDotEnv(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		if err := runConfig(os.Stdout, *cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		return
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: rvmd [flags]\n       rvmd <command> [flags]\n\nFlags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nCommands:\n  config  Validate the configuration and diff it against the defaults\n")
	}

	configPath := flag.String("config", "rvm.yaml", "path to configuration file")
	envFile := flag.String("env", ".env", "path to .env file (ignored if missing)")
	logLevel := flag.String("log-level", "", "override the configured log level")
	flag.Parse()

	if err := loadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := run(*configPath, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadDotEnv loads environment variables from path. Missing files are ignored.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func runConfig(w io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	diff, err := config.Diff(config.Default(), cfg, "defaults", path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s: ok\n", path)
	if diff == "" {
		fmt.Fprintln(w, "identical to the factory defaults")
		return nil
	}

	fmt.Fprint(w, diff)
	return nil
}

func run(configPath, logLevel string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logging.Init(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	httpClient := &http.Client{}
	gw := hardware.NewGateway(cfg, httpClient)
	be := backend.New(cfg, httpClient)

	var (
		kioskOpts []kiosk.Option
		apiOpts   []statusapi.Option
	)

	if cfg.Journal.Path != "" {
		store, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		reportUnsynced(ctx, store)

		kioskOpts = append(kioskOpts, kiosk.WithJournal(store))
		apiOpts = append(apiOpts, statusapi.WithHistory(store))
	}

	k := kiosk.New(cfg, gw, be, kioskOpts...)
	if err := k.Start(ctx); err != nil {
		return err
	}
	defer k.Stop()

	listener := eventstream.NewListener(cfg.Hardware.WSURL, k.HandleEvent,
		eventstream.WithReconnectDelay(cfg.Hardware.ReconnectDelay),
		eventstream.WithOnConnect(k.OnConnect),
	)

	api := statusapi.New(k, append(apiOpts, statusapi.WithEventStream(listener.Connected))...)

	log.Info().
		Str("device", cfg.Device.ID).
		Str("hardware", cfg.Hardware.BaseURL).
		Str("backend", cfg.Backend.URL).
		Msg("rvmd: starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { return api.Run(gctx) })
	g.Go(func() error { return api.ListenAndServe(gctx, cfg.API.Listen) })

	err = g.Wait()
	log.Info().Err(err).Msg("rvmd: shutting down")

	return err
}

// reportUnsynced logs items the accounting service never acknowledged.
func reportUnsynced(ctx context.Context, store *journal.Store) {
	items, err := store.UnsyncedItems(ctx)
	if err != nil {
		log.Error().Err(err).Msg("rvmd: read journal")
		return
	}
	if len(items) > 0 {
		log.Warn().Int("items", len(items)).Msg("rvmd: journal holds items not recorded with the backend")
	}
}

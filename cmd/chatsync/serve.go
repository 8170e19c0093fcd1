package main

import (
	"os"
	"os/signal"
	"syscall"

	"chat-sync-demo/client/internal/devserver"

	"github.com/spf13/cobra"
)

var (
	flagServeAddr     string
	flagServeDataPath string
	flagServeRate     float64
	flagServeBurst    int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference chat server",
	RunE:  runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.StringVar(&flagServeAddr, "addr", "", "listen address; overrides DEVSERVER_ADDR")
	flags.StringVar(&flagServeDataPath, "data-path", "", "directory to persist history via PebbleDB; overrides DEVSERVER_DATA_PATH")
	flags.Float64Var(&flagServeRate, "rate", 0, "API requests per second per client IP (0 disables limiting)")
	flags.IntVar(&flagServeBurst, "burst", 10, "API request burst per client IP")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()
	log := newLogger(cfg, os.Stderr)
	defer setupTracing(cfg, os.Stderr, log)()

	addr := cfg.DevServer.Addr
	if flagServeAddr != "" {
		addr = flagServeAddr
	}
	dataPath := cfg.DevServer.DataPath
	if flagServeDataPath != "" {
		dataPath = flagServeDataPath
	}

	var store devserver.Store = devserver.NewMemoryStore()
	if dataPath != "" {
		ps, err := devserver.OpenPebbleStore(dataPath)
		if err != nil {
			log.LogError(err, "Failed to open history store", "path", dataPath)
			return err
		}
		log.Info("History persisted", "path", dataPath)
		store = ps
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.LogError(err, "Failed to close history store")
		}
	}()

	srv := devserver.New(store, devserver.Options{
		Addr:             addr,
		MaxMessageLength: cfg.Pending.MaxMessageLength,
		RequestRate:      flagServeRate,
		RequestBurst:     flagServeBurst,
	}, log)
	return srv.ListenAndServe(ctx)
}

// Command chatsync joins a chat room from the terminal, or runs the
// reference server the client talks to.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"chat-sync-demo/client/pkg/config"
	"chat-sync-demo/client/pkg/logger"
	"chat-sync-demo/client/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:          "chatsync",
	Short:        "Chat client with push, polling fallback and duplicate suppression",
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error); overrides LOG_LEVEL")
	flags.StringVar(&flagLogFormat, "log-format", "", "log format (json or text); overrides LOG_FORMAT")

	rootCmd.AddCommand(connectCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies the global flag overrides
func loadConfig() *config.Config {
	cfg := config.New()
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.Logging.Format = flagLogFormat
	}
	if cfg.Logging.Level != string(logger.LevelDebug) {
		gin.SetMode(gin.ReleaseMode)
	}
	return cfg
}

// newLogger builds the process logger from cfg and makes it global
func newLogger(cfg *config.Config, out io.Writer) *logger.Logger {
	logConfig := logger.DefaultConfig()
	logConfig.Level = cfg.Logging.Level
	logConfig.JSON = cfg.Logging.Format != "text"
	logConfig.Output = out

	log := logger.New(logConfig)
	logger.SetGlobal(log)
	return log
}

// setupTracing exports spans to out when TRACING_ENABLED is set. The returned
// func flushes pending spans.
func setupTracing(cfg *config.Config, out io.Writer, log *logger.Logger) func() {
	if !cfg.Tracing.Enabled {
		return func() {}
	}
	shutdown, err := tracing.Setup(cfg.Tracing.ServiceName, out)
	if err != nil {
		log.LogError(err, "Tracing disabled")
		return func() {}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			log.LogError(err, "Flushing spans failed")
		}
	}
}

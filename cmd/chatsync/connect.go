package main

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-sync-demo/client/internal/bootstrap"
	"chat-sync-demo/client/internal/chat"
	"chat-sync-demo/client/internal/render"
	"chat-sync-demo/client/internal/timeline"
	"chat-sync-demo/client/internal/view/stream"
	"chat-sync-demo/client/internal/view/tui"
	"chat-sync-demo/client/pkg/config"
	"chat-sync-demo/client/pkg/logger"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const (
	outputTUI  = "tui"
	outputJSON = "json"
)

var (
	flagBootstrap string
	flagOutput    string
	flagBaseURL   string
	flagLogFile   string
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Join the room named in the bootstrap document",
	Long: `Join the room named in the bootstrap document and keep its timeline in
sync. The tui output is interactive; the json output writes one record per
timeline change to stdout and sends every stdin line as a message.`,
	RunE: runConnect,
}

func init() {
	flags := connectCmd.Flags()
	flags.StringVarP(&flagBootstrap, "bootstrap", "b", "bootstrap.json", "path to the session bootstrap document")
	flags.StringVarP(&flagOutput, "output", "o", outputTUI, "output mode: tui or json")
	flags.StringVar(&flagBaseURL, "base-url", "", "chat server base URL; overrides CHAT_BASE_URL")
	flags.StringVar(&flagLogFile, "log-file", "", "write logs to this file (the tui discards logs otherwise)")
}

func runConnect(cmd *cobra.Command, args []string) error {
	if flagOutput != outputTUI && flagOutput != outputJSON {
		return fmt.Errorf("unknown output %q (want %s or %s)", flagOutput, outputTUI, outputJSON)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()
	if flagBaseURL != "" {
		cfg.Server.BaseURL = flagBaseURL
	}

	logOut, closeLog, err := logOutput(flagOutput)
	if err != nil {
		return err
	}
	defer closeLog()
	log := newLogger(cfg, logOut)
	defer setupTracing(cfg, logOut, log)()

	id, err := bootstrap.Load(flagBootstrap)
	if err != nil {
		log.LogError(err, "Bootstrap failed", "path", flagBootstrap)
		return err
	}

	if flagOutput == outputJSON {
		return connectJSON(ctx, cfg, id, cmd.InOrStdin(), cmd.OutOrStdout(), log)
	}
	return connectTUI(ctx, cfg, id, log)
}

func logOutput(output string) (io.Writer, func(), error) {
	if flagLogFile != "" {
		f, err := os.OpenFile(flagLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { f.Close() }, nil
	}
	if output == outputTUI {
		return io.Discard, func() {}, nil
	}
	return os.Stderr, func() {}, nil
}

func connectTUI(ctx context.Context, cfg *config.Config, id bootstrap.Identity, log *logger.Logger) error {
	renderer, err := render.NewTerminal(cfg.Render.Style, cfg.Render.WordWrap)
	if err != nil {
		log.LogError(err, "Terminal renderer unavailable, using plaintext")
		renderer = render.PlaintextTerminal
	}

	var session *chat.Session
	program, view := tui.NewProgram(id, func(text string) error { return session.Submit(text) }, tea.WithContext(ctx))

	session, err = chat.New(cfg, id, chat.Deps{
		Views:     []timeline.View{view},
		Renderer:  renderer,
		Plaintext: render.PlaintextTerminal,
		Fallback:  render.FallbackTerminal,
		Logger:    log,
	})
	if err != nil {
		log.LogError(err, "Session setup failed")
		return err
	}
	defer session.Close()
	session.Run(ctx)
	serveMetrics(ctx, cfg, session, log)

	if _, err := program.Run(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func connectJSON(ctx context.Context, cfg *config.Config, id bootstrap.Identity, in io.Reader, out io.Writer, log *logger.Logger) error {
	md := render.NewMarkdown()
	session, err := chat.New(cfg, id, chat.Deps{
		Views:     []timeline.View{stream.New(out, log)},
		Renderer:  md.Render,
		Plaintext: render.PlaintextHTML,
		Fallback:  render.FallbackHTML,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	session.Run(ctx)
	defer session.Close()
	serveMetrics(ctx, cfg, session, log)

	go submitLines(ctx, in, session.Submit, log)

	select {
	case <-ctx.Done():
	case <-session.Done():
	}
	return nil
}

// submitLines sends every non-blank line of r until r ends or ctx is done
func submitLines(ctx context.Context, r io.Reader, submit func(string) error, log *logger.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := submit(scanner.Text()); err != nil && !stderrors.Is(err, timeline.ErrEmptyMessage) {
			log.Warn("Message not sent", "error", err.Error())
		}
	}
	if err := scanner.Err(); err != nil {
		log.LogError(err, "Reading input failed")
	}
}

// serveMetrics exposes /metrics and /healthz on METRICS_ADDR when it is set
func serveMetrics(ctx context.Context, cfg *config.Config, s *chat.Session, log *logger.Logger) {
	if cfg.Metrics.Addr == "" {
		return
	}

	engine := gin.New()
	engine.Use(logger.Middleware(log))
	engine.GET("/metrics", gin.WrapH(s.Metrics().Handler()))
	engine.GET("/healthz", gin.WrapH(s.HealthHandler()))

	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("Metrics listening", "addr", cfg.Metrics.Addr)
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			log.LogError(err, "Metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// Command sqlcore opens a data directory and runs an operator console over
// it, optionally serving the admin HTTP endpoint alongside.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"

	"github.com/sausheong/sqlcore/engine"
	"github.com/sausheong/sqlcore/internal/admin"
	"github.com/sausheong/sqlcore/internal/config"
	"github.com/sausheong/sqlcore/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML configuration file")
	dataDir := flag.String("data", "", "data directory (overrides config)")
	adminAddr := flag.String("admin", "", "admin HTTP listen address, e.g. :8080 (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *dataDir != "" {
		cfg.DataDir = expandHome(*dataDir)
	}
	if *adminAddr != "" {
		cfg.AdminAddr = *adminAddr
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	e, err := engine.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer func() {
		if err := e.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close engine")
		}
	}()

	if cfg.AdminAddr != "" {
		srv := admin.NewServer(e, cfg, logging.Component(logger, "admin"))
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start admin server: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("sqlcore storage console")
	fmt.Printf("Data directory: %s\n", cfg.DataDir)
	fmt.Println("Type 'help' for commands, 'exit' or 'quit' to leave")

	done := make(chan error, 1)
	go func() {
		done <- repl(newConsole(e, os.Stdout), logger)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
		return nil
	}
}

// repl reads commands with line editing when stdin is a terminal and falls
// back to plain line reading for piped input.
func repl(c *console, logger zerolog.Logger) error {
	stat, _ := os.Stdin.Stat()
	if stat != nil && stat.Mode()&os.ModeCharDevice == 0 {
		return runBasic(c, os.Stdin)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "sqlcore> ",
		HistoryFile:     filepath.Join(os.TempDir(), "sqlcore_history.txt"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("readline unavailable; using basic input")
		return runBasic(c, os.Stdin)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			fmt.Println("Goodbye!")
			return nil
		}
		if err != nil {
			return err
		}
		if c.execute(line) {
			fmt.Println("Goodbye!")
			return nil
		}
	}
}

// runBasic runs commands read line by line from r.
func runBasic(c *console, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if c.execute(scanner.Text()) {
			return nil
		}
	}
	return scanner.Err()
}

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("tables"),
		readline.PcItem("schema"),
		readline.PcItem("indexes"),
		readline.PcItem("index",
			readline.PcItem("create"),
			readline.PcItem("search"),
			readline.PcItem("range"),
			readline.PcItem("drop"),
		),
		readline.PcItem("begin"),
		readline.PcItem("commit"),
		readline.PcItem("rollback"),
		readline.PcItem("active"),
		readline.PcItem("wal"),
		readline.PcItem("checkpoint"),
		readline.PcItem("stats"),
		readline.PcItem("pages"),
		readline.PcItem("page"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
		readline.PcItem("quit"),
	)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

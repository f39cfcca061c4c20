package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatrelay/pkg/config"
	"github.com/go-go-golems/chatrelay/pkg/persistence/chatstore"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	dbPath     string

	settings config.Settings
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "chatrelay",
		Short:         "WebSocket relay streaming LLM replies with persisted conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("db") {
				s.Database.Path = opts.dbPath
			}
			if f.Changed("log-level") {
				s.Log.Level = opts.logLevel
			}
			if f.Changed("log-format") {
				s.Log.Format = opts.logFormat
			}
			if err := initLogger(s.Log, cmd.ErrOrStderr()); err != nil {
				return err
			}
			opts.settings = s
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	pf.StringVar(&opts.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	pf.StringVar(&opts.logFormat, "log-format", "auto", "Log format (auto, console, json)")
	pf.StringVar(&opts.dbPath, "db", "", "SQLite database file (overrides "+config.EnvDatabase+")")

	root.AddCommand(
		newServeCmd(opts),
		newTokenCmd(opts),
		newUsersCmd(opts),
		newSessionsCmd(opts),
		newEventsCmd(opts),
		newChatCmd(opts),
	)
	return root
}

// initLogger sets the global level and writer. "auto" picks the console writer on a terminal.
func initLogger(s config.LogSettings, w io.Writer) error {
	level := strings.TrimSpace(s.Level)
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "parse log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)

	console := false
	switch s.Format {
	case "console":
		console = true
	case "json":
	case "", "auto":
		if f, ok := w.(*os.File); ok {
			console = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
	default:
		return errors.Errorf("unknown log format %q", s.Format)
	}
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}

// openStore opens the SQLite store, or an in-memory one when no path is configured.
func openStore(s config.Settings) (chatstore.Store, error) {
	path := strings.TrimSpace(s.Database.Path)
	if path == "" {
		log.Warn().Msg("no database configured, conversations are kept in memory")
		return chatstore.NewInMemoryStore(), nil
	}
	dsn, err := chatstore.SQLiteDSNForFile(path)
	if err != nil {
		return nil, err
	}
	return chatstore.NewSQLiteStore(dsn)
}

// openPersistentStore is openStore for commands whose effect must outlive the process.
func openPersistentStore(s config.Settings) (chatstore.Store, error) {
	if strings.TrimSpace(s.Database.Path) == "" {
		return nil, errors.Errorf("a database is required: pass --db or set %s", config.EnvDatabase)
	}
	return openStore(s)
}

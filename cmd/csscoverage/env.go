package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/coolbeans/csscoverage/pkg/config"
	"github.com/coolbeans/csscoverage/pkg/logging"
	"github.com/coolbeans/csscoverage/pkg/matrix"
	"github.com/coolbeans/csscoverage/pkg/report"
	"github.com/coolbeans/csscoverage/pkg/session"
	"github.com/coolbeans/csscoverage/pkg/statcounter"
	"github.com/coolbeans/csscoverage/pkg/storage"
)

// appEnv is the wiring shared by every command.
type appEnv struct {
	config *config.Config
	matrix *matrix.Store
	store  *storage.FileStore
	feed   *statcounter.Client
}

// loadEnv reads the config file, applies flag overrides and opens the
// matrix, state store and feed client.
func loadEnv(cmd *cobra.Command) (*appEnv, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if value, _ := cmd.Flags().GetString("store"); value != "" {
		cfg.StorePath = value
	}
	if value, _ := cmd.Flags().GetString("matrix"); value != "" {
		cfg.MatrixPath = value
	}
	if value, _ := cmd.Flags().GetString("feed-url"); value != "" {
		cfg.Feed.URL = value
	}
	if value, _ := cmd.Flags().GetString("log-level"); value != "" {
		cfg.LogLevel = value
	}

	logging.SetLogger(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: logging.ParseLevel(cfg.LogLevel),
	})))

	env := &appEnv{config: cfg}

	if cfg.MatrixPath != "" {
		store, err := matrix.LoadFile(cfg.MatrixPath)
		if err != nil {
			return nil, err
		}
		env.matrix = store
	} else {
		env.matrix = matrix.Default()
	}

	store, err := storage.NewFileStore(cfg.StorePath)
	if err != nil {
		return nil, err
	}
	env.store = store

	if cfg.Feed.URL != "" {
		feedConfig, err := cfg.StatCounter()
		if err != nil {
			return nil, err
		}
		env.feed = statcounter.NewClient(feedConfig)
	}

	return env, nil
}

// controller creates a session over the environment's matrix and state file.
func (e *appEnv) controller() *session.Controller {
	return e.sessionOver(e.store)
}

// scratchController creates a session that keeps its state in memory,
// leaving the state file untouched.
func (e *appEnv) scratchController() *session.Controller {
	return e.sessionOver(storage.NewMemoryStore())
}

func (e *appEnv) sessionOver(kv storage.Store) *session.Controller {
	var opts []session.Option
	if e.feed != nil {
		opts = append(opts, session.WithFeed(e.feed))
	}
	return session.New(e.matrix, kv, opts...)
}

// format resolves --format, falling back to the configured default.
func (e *appEnv) format(cmd *cobra.Command) (report.Format, error) {
	name, _ := cmd.Flags().GetString("format")
	if name == "" {
		name = e.config.Format
	}
	format, err := report.ParseFormat(name)
	if err != nil {
		return "", fmt.Errorf("invalid --format: %w", err)
	}
	return format, nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	tably "github.com/tablyhq/tably-go"
)

// sessionPath returns the session snapshot path inside the config dir.
func sessionPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "session.toml"), nil
}

// newStore opens the file-backed credential store every command shares.
func newStore() (*tably.FileCredentialStore, error) {
	path, err := sessionPath()
	if err != nil {
		return nil, err
	}
	store, err := tably.NewFileCredentialStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return store, nil
}

// newSDKClient builds a tably.Client from the CLI config and session store.
func newSDKClient() (*tably.Client, *tably.FileCredentialStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	store, err := newStore()
	if err != nil {
		return nil, nil, err
	}

	var opts []tably.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, tably.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, tably.WithEnvironment(tably.Environment(cfg.Default.Environment)))
	}
	if verbose {
		opts = append(opts, tably.WithLogger(newDebugLogger()))
	}

	return tably.NewClient(store, opts...), store, nil
}

// requireSession exits with a hint when no one is logged in.
func requireSession(store *tably.FileCredentialStore) *tably.Session {
	sess := store.Session()
	if sess == nil {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'tably login <email> <password>' first.")
		os.Exit(1)
	}
	return sess
}

func newDebugLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// cmdContext returns the request context for one-shot commands.
func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}

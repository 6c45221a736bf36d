package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"codeguard/config"
	"codeguard/internal/app"
	"codeguard/internal/logger"
)

const defaultConfigName = "codeguard.yml"

func findConfigFile(configArg string) string {
	if configArg != "" {
		if _, err := os.Stat(configArg); err == nil {
			return configArg
		}
		log.Printf("Warning: config file not found at %s, trying default locations", configArg)
	}

	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}

	exePath, err := os.Executable()
	if err == nil {
		path := filepath.Join(filepath.Dir(exePath), defaultConfigName)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadConfig reads the config file when one is found and fills defaults.
func loadConfig(configArg string) (*config.Config, string, error) {
	path := findConfigFile(configArg)
	cfg := &config.Config{}
	if path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, path, fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = loaded
	}
	config.ApplyDefaults(cfg)

	l := cfg.CodeGuard.Logging
	if err := logger.Init(l.Enabled, l.Level, l.File, l.Console); err != nil {
		return nil, path, fmt.Errorf("initialize logger: %w", err)
	}
	return cfg, path, nil
}

func rootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "codeguard",
		Short:         "Multi-chain contract monitor with automated emergency response",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to codeguard.yml")

	root.AddCommand(
		serveCommand(&configPath),
		scanCommand(&configPath),
		analyzeCommand(&configPath),
		incidentsCommand(&configPath),
	)
	return root
}

func serveCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the actors, the inbox and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(parent context.Context, configArg string) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, path, err := loadConfig(configArg)
	if err != nil {
		return err
	}
	logger.Infof("CodeGuard starting")
	if path != "" {
		logger.Infof("Config loaded from: %s", path)
	} else {
		logger.Warnf("No config file found; running with defaults")
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Errorf("Error during shutdown: %v", err)
		}
		logger.Infof("CodeGuard stopped")
	}()

	err = a.Run(ctx)
	logger.Infof("Shutting down")
	return err
}

// withActors builds the app without the HTTP server and runs its actors
// for the duration of fn.
func withActors(ctx context.Context, configArg string, fn func(context.Context, *app.App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, _, err := loadConfig(configArg)
	if err != nil {
		return err
	}
	cfg.CodeGuard.Inbox.Enabled = false

	a, err := app.New(ctx, cfg, app.Options{DisableHTTP: true})
	if err != nil {
		return err
	}
	defer a.Close()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()

	err = fn(runCtx, a)
	cancel()
	if runErr := <-done; err == nil {
		err = runErr
	}
	return err
}

func printJSON(w io.Writer, v any, pretty bool) error {
	var (
		out []byte
		err error
	)
	if pretty {
		out, err = json.MarshalIndent(v, "", "  ")
	} else {
		out, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = w.Write(append(out, '\n'))
	return err
}

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/austudio/internal/budget"
	"github.com/user/austudio/internal/config"
	"github.com/user/austudio/pkg/codegen"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "austudio",
	Short: "Streaming app-generation studio",
	Long:  "austudio drives a code-generation backend: it streams generation runs, tracks phases, and assembles the generated project.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath,
		"config",
		filepath.Join(os.Getenv("HOME"), ".austudio", "config.json"),
		"config file path",
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func newTransport(cfg *config.Config) *codegen.Transport {
	return codegen.NewTransport(&codegen.Config{
		BaseURL:     cfg.Backend.BaseURL,
		Path:        cfg.Backend.Path,
		APIKey:      cfg.Backend.APIKey,
		IdleTimeout: time.Duration(cfg.Backend.IdleTimeoutSeconds) * time.Second,
	})
}

func newBudgetGuard(cfg *config.Config) (*budget.Engine, error) {
	return budget.New(cfg.Budget.Model, cfg.Budget.MaxContextTokens, cfg.Budget.OutputReserve)
}

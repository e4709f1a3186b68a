// Package config resolves runtime settings from flags and environment
// variables.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nstogner/gemchat/pkg/generator/gemini"
)

// Config holds everything main needs to wire the application together.
type Config struct {
	APIKey   string
	Model    string
	DBPath   string
	LogFile  string
	LogLevel slog.Level
}

// Load parses args (excluding the program name) and the environment.
// GEMINI_API_KEY is required; everything else has a default under the
// user's home directory.
func Load(args []string) (Config, error) {
	dataDir, err := defaultDataDir()
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("gemchat", flag.ContinueOnError)
	model := fs.String("model", gemini.DefaultModel, "Gemini model to chat with")
	dbPath := fs.String("db-path", filepath.Join(dataDir, "gemchat.db"), "path to the sqlite database")
	logFile := fs.String("log-file", filepath.Join(dataDir, "gemchat.log"), "path to the log file")
	logLevel := fs.String("log-level", "", "log level (trace, debug, info, warn, error); overrides LOG_LEVEL")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return Config{}, fmt.Errorf("GEMINI_API_KEY environment variable not set")
	}

	level := *logLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}

	cfg := Config{
		APIKey:   apiKey,
		Model:    *model,
		DBPath:   *dbPath,
		LogFile:  *logFile,
		LogLevel: parseLevel(level),
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return Config{}, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
		return Config{}, fmt.Errorf("create log dir: %w", err)
	}
	return cfg, nil
}

func defaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".gemchat"), nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "TRACE":
		return gemini.LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

const logLevelEnvKey = "TASKCORE_LOG_LEVEL"

// configureLogger picks the level from the flag, then the environment, then
// the config file. Only an invalid flag is fatal; the others fall back to info
// with a warning for the caller to print.
func configureLogger(flagLevel, configLevel string) (string, error) {
	envLevel := os.Getenv(logLevelEnvKey)
	raw, source := selectedLogLevel(flagLevel, envLevel, configLevel)

	level, err := parseLogLevel(raw)
	if err != nil {
		slog.SetDefault(newLogger(slog.LevelInfo))
		switch source {
		case "flag":
			return "", fmt.Errorf("invalid --log-level %q", flagLevel)
		case "env":
			return fmt.Sprintf("warning: invalid %s=%q; defaulting to info", logLevelEnvKey, envLevel), nil
		default:
			return fmt.Sprintf("warning: invalid log_level=%q; defaulting to info", configLevel), nil
		}
	}
	slog.SetDefault(newLogger(level))
	return "", nil
}

func selectedLogLevel(flagLevel, envLevel, configLevel string) (string, string) {
	if strings.TrimSpace(flagLevel) != "" {
		return flagLevel, "flag"
	}
	if strings.TrimSpace(envLevel) != "" {
		return envLevel, "env"
	}
	if strings.TrimSpace(configLevel) != "" {
		return configLevel, "config"
	}
	return "", "default"
}

func parseLogLevel(raw string) (slog.Level, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return slog.LevelInfo, nil
	}
	if strings.EqualFold(value, "warning") {
		value = "warn"
	}
	if numeric, err := strconv.Atoi(value); err == nil {
		return slog.Level(numeric), nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

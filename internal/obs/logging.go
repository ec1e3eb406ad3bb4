// Package obs contains observability utilities such as logging.
package obs

import (
	"log/slog"
	"os"
)

// Init builds the JSON logger used across the service and installs it
// as the slog default.
func Init() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	return logger
}

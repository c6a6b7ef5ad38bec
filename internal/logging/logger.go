package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log
// aggregation. Otherwise it uses the human-readable text handler.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithTenant returns a logger with the tenant scope attached. Use this for
// all logging within a single memory operation.
func WithTenant(userID string) *slog.Logger {
	return slog.With("user_id", userID)
}

// WithEntry returns a logger scoped to one memory entry within a tenant.
func WithEntry(logger *slog.Logger, entryID, tier string) *slog.Logger {
	return logger.With(
		"entry_id", entryID,
		"tier", tier,
	)
}

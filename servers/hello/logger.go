package hello

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/lmittmann/tint"
)

// NewLogger builds the process logger from cfg. LogFormatText selects a colored console handler
// meant for development, anything else writes JSON lines.
func NewLogger(cfg Config, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	if cfg.LogFormat == LogFormatText {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: "[15:04:05.000]",
		})), nil
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

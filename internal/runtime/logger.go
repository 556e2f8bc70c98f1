package runtime

import (
	"io"
	"log/slog"
	"strings"

	"github.com/tjfontaine/hospital-gateway/internal/config"
)

// NewLogger builds the process logger from the logging section: JSON by
// default, text when format is "text".
func NewLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

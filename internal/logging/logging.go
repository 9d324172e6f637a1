package logging

import (
	"io"
	"log/slog"
)

// New returns a logger backed by PrettyHandler, writing to w at the given
// minimum level.
func New(w io.Writer, level slog.Level) *slog.Logger {
	opts := DefaultOptions()
	opts.SlogOpts.Level = level

	return slog.New(NewPrettyHandler(w, &opts))
}

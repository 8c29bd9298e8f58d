package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

func newLogger(output io.Writer, level slog.Level) *slog.Logger {
	handler := tint.NewHandler(output, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02 15:04:05.000Z07:00",
		NoColor:    !isTerminal(output),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindAny {
				if _, ok := a.Value.Any().(error); ok {
					return tint.Attr(9, a)
				}
			}
			return a
		},
	})
	return slog.New(handler)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

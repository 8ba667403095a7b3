package logging

import (
	"log/slog"

	"github.com/k0kubun/pp/v3"
)

type prettyValue struct {
	v any
}

// Pretty defers rendering v as a multi-line struct dump until the record is
// actually emitted, so it costs nothing below the handler's level.
func Pretty(v any) slog.LogValuer {
	return prettyValue{v: v}
}

func (p prettyValue) LogValue() slog.Value {
	printer := pp.New()
	printer.SetColoringEnabled(false)
	printer.SetExportedOnly(true)
	return slog.StringValue(printer.Sprint(p.v))
}

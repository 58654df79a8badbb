package logger

import (
	"go.uber.org/zap"

	"github.com/teranos/portal/sym"
)

// The subsystem glyph travels as a field, never in the message text.

// AddPulseSymbol tags l with ꩜ for ticker and run logs.
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger { return withSymbol(l, sym.Pulse) }

// AddRollupSymbol tags l with ⟳ for discovery and dispatch logs.
func AddRollupSymbol(l *zap.SugaredLogger) *zap.SugaredLogger { return withSymbol(l, sym.Rollup) }

// AddDBSymbol tags l with ⊔ for storage logs.
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger { return withSymbol(l, sym.DB) }

func withSymbol(l *zap.SugaredLogger, glyph string) *zap.SugaredLogger {
	return l.With(FieldSymbol, glyph)
}

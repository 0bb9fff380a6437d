package logger

import (
	"github.com/teranos/conductor/sym"
	"go.uber.org/zap"
)

// Symbol-aware logging helpers.
// The symbol is attached as a structured field, not baked into the message,
// so logs stay queryable by symbol.
//
//	t.pulseLog = logger.AddPulseSymbol(baseLogger)
//	t.pulseLog.Infow("Scheduler started", "tick", interval)

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return OrDefault(l).With(FieldSymbol, sym.Pulse)
}

// AddPulseOpenSymbol wraps a logger with the PulseOpen symbol (✿)
func AddPulseOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return OrDefault(l).With(FieldSymbol, sym.PulseOpen)
}

// AddPulseCloseSymbol wraps a logger with the PulseClose symbol (❀)
func AddPulseCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return OrDefault(l).With(FieldSymbol, sym.PulseClose)
}

// AddChainSymbol wraps a logger with the Chain symbol (⛓)
func AddChainSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return OrDefault(l).With(FieldSymbol, sym.Chain)
}

// AddRouteSymbol wraps a logger with the Route symbol (⟶)
func AddRouteSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return OrDefault(l).With(FieldSymbol, sym.Route)
}

// AddGaugeSymbol wraps a logger with the Gauge symbol (◔)
func AddGaugeSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return OrDefault(l).With(FieldSymbol, sym.Gauge)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return OrDefault(l).With(FieldSymbol, sym.DB)
}

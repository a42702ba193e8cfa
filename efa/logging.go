package efa

import "go.uber.org/zap"

// Logger receives structured log events. *zap.SugaredLogger satisfies it.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

func nopLogger() Logger {
	return zap.NewNop().Sugar()
}

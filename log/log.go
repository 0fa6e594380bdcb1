package log

import "go.uber.org/zap"

// Production installs a no-op global logger and returns it.
// The secure world doesn't emit diagnostics outside of debug builds.
func Production(_ ...zap.Option) *zap.Logger {
	zap.ReplaceGlobals(zap.NewNop())

	return zap.L()
}

func Development(opts ...zap.Option) *zap.Logger {
	opts = append(opts, zap.WithCaller(true))
	l, err := zap.NewDevelopment(
		opts...,
	)

	if err != nil {
		panic(err)
	}

	zap.ReplaceGlobals(l)

	return zap.L()
}

// New returns a development logger when debug is true, the production one otherwise.
func New(debug bool, opts ...zap.Option) *zap.Logger {
	if debug {
		return Development(opts...)
	}

	return Production(opts...)
}

// OrNop returns l, or a no-op logger if l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}

	return l
}

// Package log provides Beacon's structured logging facade.
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. Internally it is backed by the standard
// library slog via a handler that applies the configured level, format, and
// output. Components receive a Logger at construction; NewNop returns a
// logger that discards everything and is the default in tests.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormat(log.FormatText),
//	)
//	l = l.With(log.Component("channel"), log.Str("group", "analytics"))
//	l.Info("unit attached", log.Int("batchSizeLimit", 50))
package log

// Package log provides the structured logging facade used across norish
// services.
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. Formatting (text or JSON) and output
// destinations are pluggable.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("mux"))
//	l.Info("subscribed", log.Str("channel", ch), log.Int("listeners", n))
//
// Use ApplyConfig to build a logger from a declarative Config (level and
// format), and RedirectStdLog to route standard library log output through
// the facade.
package log

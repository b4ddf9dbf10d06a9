package target

import (
	"github.com/codecat/go-libs/log"
)

// Sink receives the load list's diagnostics. Trace carries dynamic loader
// tracing, Warn carries module level warnings such as overlapping sections.
type Sink interface {
	Trace(format string, args ...interface{})
	Warn(format string, args ...interface{})
}

// LogSink writes diagnostics to the go-libs logger. Whether trace lines show
// up is decided by log.CurrentConfig.MinLevel.
type LogSink struct{}

func (LogSink) Trace(format string, args ...interface{}) {
	log.Trace(format, args...)
}

func (LogSink) Warn(format string, args ...interface{}) {
	log.Warn(format, args...)
}

type NopSink struct{}

func (NopSink) Trace(format string, args ...interface{}) {}
func (NopSink) Warn(format string, args ...interface{})  {}

// Package core holds the small set of ambient interfaces shared by every
// other package, independent of trading domain. Domain types and venue
// interfaces live in internal/domain and internal/exchange respectively.
package core

// ILogger defines the interface for structured logging used throughout the
// engine. Implementations wrap a concrete logging library (see
// pkg/logging.ZapLogger); business code only ever depends on this interface.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

package bootstrap

import (
	"fundingarb/internal/core"
	"fundingarb/pkg/logging"
)

// InitLogger builds the process-wide logger from telemetry config. Every
// component in this module takes a core.ILogger, not *slog.Logger, so this
// wraps the zap-backed logger the rest of the codebase already uses rather
// than standing up a second logging stack.
func InitLogger(cfg *Config) (core.ILogger, error) {
	logger, err := logging.NewZapLogger(cfg.Telemetry.LogLevel)
	if err != nil {
		return nil, err
	}

	var l core.ILogger = logger
	if cfg.Telemetry.ServiceName != "" {
		l = l.WithField("service", cfg.Telemetry.ServiceName)
	}
	logging.SetGlobalLogger(l)
	return l, nil
}

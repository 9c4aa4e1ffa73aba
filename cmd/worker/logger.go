package main

import (
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/septivank/inverter-telemetry-worker/internal/config"
	"github.com/septivank/inverter-telemetry-worker/internal/logging"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
}

// fxLogger routes fx lifecycle events through the application logger
func fxLogger(logger *zap.Logger) fxevent.Logger {
	return &fxevent.ZapLogger{Logger: logger.Named("fx")}
}

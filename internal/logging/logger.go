package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a new structured logger. An unknown level falls back to info.
func NewLogger(serviceName, level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// WithCycleID returns a logger with cycle_id field
func WithCycleID(logger *zap.Logger, cycleID string) *zap.Logger {
	return logger.With(zap.String("cycle_id", cycleID))
}

// WithSite returns a logger with site_id and site_name fields
func WithSite(logger *zap.Logger, siteID, siteName string) *zap.Logger {
	return logger.With(zap.String("site_id", siteID), zap.String("site_name", siteName))
}

package logger

import (
	"go.uber.org/zap"
)

// New builds the production zap logger used by every component of the
// resource group. An empty verbosity means info.
func New(verbosity string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	config.DisableStacktrace = level.Level() > zap.DebugLevel
	return config.Build()
}

// Named returns log.Named(name), substituting a no-op logger when log is nil.
func Named(log *zap.Logger, name string) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log.Named(name)
}

// pkg/logger/logger.go
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Sugared = *zap.SugaredLogger

// New returns a JSON production logger for env "prod" and a console logger
// otherwise. LOG_LEVEL overrides the default level.
func New(env string) Sugared {
	var cfg zap.Config
	if env == "prod" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if l, err := zapcore.ParseLevel(lvl); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(l)
		}
	}
	z, err := cfg.Build()
	if err != nil {
		z = zap.NewNop()
	}
	return z.Sugar().With("service", "tenantgate")
}

// Nop is used by tests and by the CLI when nothing should be printed.
func Nop() Sugared { return zap.NewNop().Sugar() }

package log

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Ammar-Knowledge/github-for-jira/internal/config"
)

var Module = fx.Module("log",
	fx.Provide(NewLogger),
)

// NewLogger builds the root logger. Development gets the console encoder,
// everything else gets production JSON.
func NewLogger(cfg *config.Config, lc fx.Lifecycle) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}

	logger = logger.With(
		zap.String("service", cfg.AppName),
		zap.String("env", cfg.Environment),
	)

	lc.Append(fx.StopHook(func() {
		_ = logger.Sync()
	}))
	return logger, nil
}

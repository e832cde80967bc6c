// Package logging builds the process logger
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a json production logger, or a console logger at debug
// level when debug is set. level overrides the default level if non empty.
func NewLogger(debug bool, level string) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}

	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("error parsing log level '%s': %s", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	l, err := cfg.Build(zap.Fields(zap.String("service", "levels")))
	if err != nil {
		return nil, fmt.Errorf("error building logger: %s", err)
	}

	return l.Sugar(), nil
}

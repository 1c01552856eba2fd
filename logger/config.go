package logger

import (
	"go.uber.org/zap/zapcore"
)

// Config selects the encoder and level of the process logger.
//
// Format is one of "auto", "logfmt" or "json". With "auto" the console
// encoder is used when the output is a terminal and JSON otherwise.
type Config struct {
	Format string        `toml:"format"`
	Level  zapcore.Level `toml:"level"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{
		Format: "auto",
		Level:  zapcore.InfoLevel,
	}
}

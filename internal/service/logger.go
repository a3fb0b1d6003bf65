package service

import (
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process-wide logger.
// Components get a named child: service.Logger.Named("broker").
var Logger = zap.NewNop()

// InitLogger builds the production zap logger at the given level ("debug", "info", ...).
func InitLogger(level string) {
	config := zap.NewProductionConfig()

	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.TimeKey = "time"

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			log.Printf("Unknown log level %q, falling back to info", level)
			lvl = zapcore.InfoLevel
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	built, err := config.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	Logger = built
}

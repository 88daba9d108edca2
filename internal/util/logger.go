package util

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	once         sync.Once
)

// Init builds the process logger once; later calls return the same logger.
// Production output is sampled JSON timestamped in ISO8601, everything else
// uses the coloured console encoder. A non-empty format ("json" or
// "console") overrides the encoding for either environment.
func Init(environment, level, format string) *zap.Logger {
	once.Do(func() {
		logger, err := newConfig(environment, level, format).Build(
			zap.AddCaller(),
			zap.AddCallerSkip(1),
			zap.Fields(zap.String("service", "msisdn-gateway")),
		)
		if err != nil {
			panic("failed to initialize logger: " + err.Error())
		}
		globalLogger = logger
		zap.ReplaceGlobals(logger)
	})
	return globalLogger
}

func newConfig(environment, level, format string) zap.Config {
	var cfg zap.Config
	if environment == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.DisableStacktrace = true
		cfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	switch format {
	case "json", "console":
		cfg.Encoding = format
	}
	if cfg.Encoding == "json" {
		cfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	}
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg
}

// parseLevel accepts zap level names plus "warning"; anything unknown is info.
func parseLevel(level string) zapcore.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// Get returns the process logger. Commands and tests that never called Init
// get a JSON production logger at info level.
func Get() *zap.Logger {
	if globalLogger == nil {
		return Init("production", "info", "json")
	}
	return globalLogger
}

func Sync() {
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
}

func Debug(msg string, fields ...zap.Field) { Get().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { Get().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Get().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Get().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { Get().Fatal(msg, fields...) }

func String(key, value string) zap.Field             { return zap.String(key, value) }
func Bool(key string, value bool) zap.Field          { return zap.Bool(key, value) }
func Int(key string, value int) zap.Field            { return zap.Int(key, value) }
func Duration(key string, d time.Duration) zap.Field { return zap.Duration(key, d) }

// ErrorField is zap.Error under a name that does not clash with Error.
func ErrorField(err error) zap.Field { return zap.Error(err) }

// HmacID logs a prefix of a storage key, enough to correlate lines.
func HmacID(id string) zap.Field {
	if len(id) > 12 {
		id = id[:12]
	}
	return zap.String("hmac_id", id)
}

// Msisdn masks all but the last three digits of a phone number.
func Msisdn(number string) zap.Field {
	if len(number) <= 3 {
		return zap.String("msisdn", "***")
	}
	return zap.String("msisdn", strings.Repeat("*", len(number)-3)+number[len(number)-3:])
}

// internal/utils/logger.go
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"raw-uart-service/internal/config"
)

// DefaultLogFile is used when output names neither stdout nor stderr
// and no path is configured.
const DefaultLogFile = "./logs/raw-uart-service.log"

// LoggerManager manages application logging
type LoggerManager struct {
	logger *zap.Logger
	config *config.LoggingConfig
}

// NewLogger creates a new logger instance based on configuration
func NewLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	manager := &LoggerManager{
		config: cfg,
	}

	logger, err := manager.createLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	manager.logger = logger
	return logger, nil
}

// createLogger creates the zap logger with proper configuration
func (lm *LoggerManager) createLogger() (*zap.Logger, error) {
	encoderConfig := lm.getEncoderConfig()

	var encoder zapcore.Encoder
	switch lm.config.Format {
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	writeSyncer, err := lm.getWriteSyncer()
	if err != nil {
		return nil, fmt.Errorf("failed to create write syncer: %w", err)
	}

	level, err := ParseLevel(lm.config.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)

	// Stack traces for error level and above
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// getEncoderConfig returns encoder configuration based on format
func (lm *LoggerManager) getEncoderConfig() zapcore.EncoderConfig {
	config := zap.NewProductionEncoderConfig()

	config.TimeKey = "timestamp"
	config.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	config.LevelKey = "level"
	config.EncodeLevel = zapcore.LowercaseLevelEncoder
	config.CallerKey = "caller"
	config.EncodeCaller = zapcore.ShortCallerEncoder
	config.MessageKey = "message"
	config.StacktraceKey = "stacktrace"

	if lm.config.Format == "console" {
		config.EncodeLevel = zapcore.CapitalColorLevelEncoder
		config.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	}

	return config
}

// getWriteSyncer returns write syncer based on output configuration
func (lm *LoggerManager) getWriteSyncer() (zapcore.WriteSyncer, error) {
	switch lm.config.Output {
	case "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	}

	// File output with rotation
	path := lm.config.Output
	if path == "" {
		path = DefaultLogFile
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    lm.config.MaxSize, // MB
		MaxBackups: lm.config.MaxBackups,
		MaxAge:     lm.config.MaxAge, // days
		Compress:   lm.config.Compress,
	}), nil
}

// ParseLevel maps a configured level name to a zap level.
func ParseLevel(name string) (zapcore.Level, error) {
	switch name {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "fatal":
		return zapcore.FatalLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", name)
	}
}

// DeviceLogger wraps zap.Logger with device-specific fields
type DeviceLogger struct {
	*zap.Logger
	deviceName  string
	backendType string
}

// NewDeviceLogger creates a device-specific logger
func NewDeviceLogger(baseLogger *zap.Logger, deviceName, backendType string) *DeviceLogger {
	logger := baseLogger.With(
		zap.String("device", deviceName),
		zap.String("backend", backendType),
		zap.String("component", "device"),
	)

	return &DeviceLogger{
		Logger:      logger,
		deviceName:  deviceName,
		backendType: backendType,
	}
}

// LogConnection logs a transport state change
func (dl *DeviceLogger) LogConnection(connected bool) {
	if connected {
		dl.Info("Transport connected")
	} else {
		dl.Warn("Transport disconnected")
	}
}

// LogReset logs a radio module reset request
func (dl *DeviceLogger) LogReset(maxOpen int, duration time.Duration, err error) {
	fields := []zap.Field{
		zap.Int("max_open", maxOpen),
		zap.Duration("duration", duration),
	}
	if err != nil {
		dl.Error("Radio module reset failed", append(fields, zap.Error(err))...)
		return
	}
	dl.Info("Radio module reset", fields...)
}

// SessionLogger logs the lifetime of one client connection
type SessionLogger struct {
	logger    *zap.Logger
	startTime time.Time
}

// NewSessionLogger creates a logger for a client session on a surface
// such as "tcp" or "websocket".
func NewSessionLogger(baseLogger *zap.Logger, surface, connectionID, remote string) *SessionLogger {
	return &SessionLogger{
		logger: baseLogger.With(
			zap.String("surface", surface),
			zap.String("connection_id", connectionID),
			zap.String("remote", remote),
		),
		startTime: time.Now(),
	}
}

// Logger returns the session's logger
func (sl *SessionLogger) Logger() *zap.Logger { return sl.logger }

// Opened logs session start
func (sl *SessionLogger) Opened(fields ...zap.Field) {
	sl.logger.Info("Client connection opened", fields...)
}

// Closed logs session end with traffic totals
func (sl *SessionLogger) Closed(rx, tx int64, err error) {
	fields := []zap.Field{
		zap.Duration("duration", time.Since(sl.startTime)),
		zap.Int64("rx_bytes", rx),
		zap.Int64("tx_bytes", tx),
	}
	if err != nil {
		sl.logger.Warn("Client connection closed", append(fields, zap.Error(err))...)
		return
	}
	sl.logger.Info("Client connection closed", fields...)
}

// ServiceLogger provides service-level logging functionality
type ServiceLogger struct {
	*zap.Logger
	serviceName string
}

// NewServiceLogger creates a service-specific logger
func NewServiceLogger(baseLogger *zap.Logger, serviceName string) *ServiceLogger {
	logger := baseLogger.With(
		zap.String("service", serviceName),
		zap.String("component", "service"),
	)

	return &ServiceLogger{
		Logger:      logger,
		serviceName: serviceName,
	}
}

// LogServiceStart logs service startup
func (sl *ServiceLogger) LogServiceStart(version string, config interface{}) {
	sl.Info("Service starting",
		zap.String("version", version),
		zap.Any("config", config),
	)
}

// LogServiceStop logs service shutdown
func (sl *ServiceLogger) LogServiceStop(reason string) {
	sl.Info("Service stopping",
		zap.String("reason", reason),
	)
}

// LogAPIRequest logs HTTP API requests
func (sl *ServiceLogger) LogAPIRequest(method, path, userAgent, clientIP string, statusCode int, duration time.Duration) {
	level := zapcore.InfoLevel
	if statusCode >= 400 {
		level = zapcore.WarnLevel
	}
	if statusCode >= 500 {
		level = zapcore.ErrorLevel
	}

	if ce := sl.Check(level, "API request"); ce != nil {
		ce.Write(
			zap.String("method", method),
			zap.String("path", path),
			zap.String("user_agent", userAgent),
			zap.String("client_ip", clientIP),
			zap.Int("status_code", statusCode),
			zap.Duration("duration", duration),
		)
	}
}

// LogDatabaseQuery logs database queries (for debugging)
func (sl *ServiceLogger) LogDatabaseQuery(query string, duration time.Duration, err error) {
	fields := []zap.Field{
		zap.String("query", query),
		zap.Duration("duration", duration),
	}

	if err != nil {
		sl.Error("Database query failed", append(fields, zap.Error(err))...)
		return
	}
	sl.Debug("Database query executed", fields...)
}

// LoggerWithRequestID adds request ID to logger
func LoggerWithRequestID(logger *zap.Logger, requestID string) *zap.Logger {
	return logger.With(zap.String("request_id", requestID))
}

// LogPanic logs and recovers from panics
func LogPanic(logger *zap.Logger) {
	if r := recover(); r != nil {
		logger.Fatal("Application panic",
			zap.Any("panic", r),
			zap.Stack("stacktrace"),
		)
	}
}

// CloseLogger flushes buffered log entries
func CloseLogger(logger *zap.Logger) error {
	return logger.Sync()
}

package wazero

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Guest log levels accepted by log_message.
const (
	LogLevelDebug uint32 = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// registerHostModule instantiates the host module the guest imports.
// The guest may import any subset of it; unused functions cost nothing.
func registerHostModule(ctx context.Context, runtime wazero.Runtime, cfg bridgeConfig) error {
	logger := cfg.logger.Named("guest")
	maxLen := cfg.maxLogMessage

	_, err := runtime.NewHostModuleBuilder(cfg.hostModuleName).
		NewFunctionBuilder().
		WithGoModuleFunction(logMessageFunc(logger, maxLen), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("log_message").
		Export("log_message").
		Instantiate(ctx)
	return err
}

// logMessageFunc wraps handleLogMessage so a panic in the host side is
// logged instead of unwinding through the guest call.
func logMessageFunc(logger *zap.Logger, maxLen uint32) api.GoModuleFunc {
	return func(_ context.Context, mod api.Module, stack []uint64) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("guest host function panicked",
					zap.String("function", "log_message"),
					zap.Any("panic", r),
					zap.Stack("stack"))
			}
		}()
		handleLogMessage(mod, stack, logger, maxLen)
	}
}

// handleLogMessage reads a guest log line and writes it to logger.
// Oversized or out-of-bounds messages are dropped with a host-side warning.
func handleLogMessage(mod api.Module, stack []uint64, logger *zap.Logger, maxLen uint32) {
	level := api.DecodeU32(stack[0])
	ptr := api.DecodeU32(stack[1])
	length := api.DecodeU32(stack[2])

	if length > maxLen {
		logger.Warn("guest log message dropped",
			zap.Uint32("length", length),
			zap.Uint32("max", maxLen))
		return
	}

	payload, ok := mod.Memory().Read(ptr, length)
	if !ok {
		logger.Warn("guest log message out of bounds",
			zap.Uint32("ptr", ptr),
			zap.Uint32("length", length))
		return
	}

	if ce := logger.Check(zapLevel(level), string(payload)); ce != nil {
		ce.Write(zap.String("module", mod.Name()))
	}
}

func zapLevel(level uint32) zapcore.Level {
	switch level {
	case LogLevelDebug:
		return zapcore.DebugLevel
	case LogLevelInfo:
		return zapcore.InfoLevel
	case LogLevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

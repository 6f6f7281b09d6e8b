package logger

import (
	"context"
	"log"
	"sync"

	"go.f110.dev/xerrors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"go.f110.dev/certd/pkg/config"
)

type contextKey string

const requestIdKey contextKey = "request_id"

const DefaultAuditBufferSize = 1000

var (
	Log *zap.Logger
	// Audit records every decision of the authority. The entries are also kept in AuditBuffer.
	Audit       *zap.Logger
	AuditBuffer = NewRingBuffer(DefaultAuditBufferSize)
)
var initOnce = &sync.Once{}

func init() {
	Log = zap.NewNop()
	Audit = zap.New(newBufferCore(zapcore.InfoLevel, AuditBuffer)).Named("audit")
}

// Init builds the loggers from conf. Only the first call takes effect.
func Init(conf *config.Logger) error {
	var err error
	initOnce.Do(func() {
		var l *zap.Logger
		l, err = conf.ZapConfig(encoderConfig("logger", true)).Build()
		if err != nil {
			return
		}

		var a *zap.Logger
		a, err = conf.ZapConfig(encoderConfig("tag", false)).Build(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, newBufferCore(zapcore.InfoLevel, AuditBuffer))
		}))
		if err != nil {
			return
		}

		Log = l
		Audit = a.Named("audit")
	})
	if err != nil {
		return xerrors.WithStack(err)
	}

	return nil
}

func encoderConfig(nameKey string, caller bool) zapcore.EncoderConfig {
	c := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        nameKey,
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if caller {
		c.CallerKey = "caller"
		c.StacktraceKey = "stacktrace"
	}
	return c
}

// StdLogger returns *log.Logger for net/http and friends. The messages are written at the warn level.
func StdLogger(name string) *log.Logger {
	l, err := zap.NewStdLogAt(Log.Named(name), zapcore.WarnLevel)
	if err != nil {
		return zap.NewStdLog(Log.Named(name))
	}
	return l
}

// WithRequestId returns a new context which carries the id of the request.
func WithRequestId(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIdKey, id)
}

// RequestId constructs a field from the request id in ctx.
func RequestId(ctx context.Context) zap.Field {
	if v, ok := ctx.Value(requestIdKey).(string); ok {
		return zap.String("request_id", v)
	}
	return zap.Skip()
}

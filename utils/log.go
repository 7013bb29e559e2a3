// Package utils provides utilities that is used in all sub-packages in frontdoor
package utils

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	Log_debug = iota
	Log_info
	Log_warning
	Log_error //error一般用于输出一些 连接错误或者客户端协议错误之类的, 但不致命
	Log_fatal

	DefaultLL = Log_info
)

// LogLevel 值越小越唠叨, 废话越多，值越大打印的越少，见log_开头的常量;
var (
	LogLevel  int = DefaultLL
	ZapLogger *zap.Logger

	LogFileMaxSizeMB  = 32
	LogFileMaxBackups = 3
)

func init() {
	ZapLogger = zap.NewNop()
}

// InitLog 初始化 ZapLogger. 我们的loglevel就是zap的loglevel+1.
// 如果 logFile 不为空, 则会同时以json格式写入该文件, 文件由lumberjack负责切割.
func InitLog(logFile string) {
	atomicLevel := zap.NewAtomicLevel()
	atomicLevel.SetLevel(zapcore.Level(LogLevel - 1))

	consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:  "msg",
		LevelKey:    "level",
		TimeKey:     "time",
		FunctionKey: "func",
		EncodeLevel: zapcore.CapitalColorLevelEncoder,
		EncodeTime:  zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeName:  zapcore.FullNameEncoder,
		LineEnding:  zapcore.DefaultLineEnding,
	}), zapcore.AddSync(os.Stdout), atomicLevel)

	cores := []zapcore.Core{consoleCore}

	if logFile != "" {
		fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(zapcore.EncoderConfig{
			MessageKey:     "msg",
			LevelKey:       "level",
			TimeKey:        "time",
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			LineEnding:     zapcore.DefaultLineEnding,
		}), zapcore.AddSync(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    LogFileMaxSizeMB,
			MaxBackups: LogFileMaxBackups,
		}), atomicLevel)
		cores = append(cores, fileCore)
	}

	ZapLogger = zap.New(zapcore.NewTee(cores...))
	ZapLogger.Info("log 初始化成功", zap.Int("level", LogLevel), zap.String("file", logFile))
}

func CanLogLevel(l int, msg string) *zapcore.CheckedEntry {
	return ZapLogger.Check(zapcore.Level(l-1), msg)
}

func canLogLevel(l zapcore.Level, msg string) *zapcore.CheckedEntry {
	return ZapLogger.Check(l, msg)
}

func CanLogErr(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.ErrorLevel, msg)
}

func CanLogInfo(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.InfoLevel, msg)
}

func CanLogWarn(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.WarnLevel, msg)
}

func CanLogDebug(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.DebugLevel, msg)
}

func CanLogFatal(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.FatalLevel, msg)
}

// LogErrByKind 按 ErrorKind 选择日志级别: 传输层错误只打debug, 认证失败打warn, 其它打info.
func LogErrByKind(msg string, err error, fields ...zap.Field) {
	var ce *zapcore.CheckedEntry
	switch ErrorKind(err) {
	case KindTransport:
		ce = CanLogDebug(msg)
	case KindAuth:
		ce = CanLogWarn(msg)
	default:
		ce = CanLogInfo(msg)
	}
	if ce != nil {
		ce.Write(append(fields, zap.Error(err), zap.String("kind", ErrorKind(err)))...)
	}
}

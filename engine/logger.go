// Created by Yanjunhui

package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// 日志级别
// EN: Log levels.
const (
	LogLevelDebug = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// 日志级别名称
// EN: Log level names.
var logLevelNames = map[int]string{
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
}

// LogEntry 结构化日志条目
// EN: LogEntry is a structured log record.
type LogEntry struct {
	Timestamp  time.Time              `json:"ts"`
	Level      string                 `json:"level"`
	Component  string                 `json:"component,omitempty"`
	Message    string                 `json:"msg"`
	Context    map[string]interface{} `json:"ctx,omitempty"`
	DurationMs int64                  `json:"durationMs,omitempty"`
}

// Logger 结构化 JSON 日志器
// EN: Logger writes structured JSON logs.
// 引擎只向它发送事件，没有任何行为依赖日志输出
// EN: The engine emits events to it; no behavior depends on the sink.
type Logger struct {
	mu            sync.Mutex
	output        io.Writer
	level         int
	component     string
	slowThreshold time.Duration
}

// 全局默认日志器
// EN: Global default logger.
var defaultLogger = NewLogger(os.Stdout)

// NewLogger 创建日志器
// EN: NewLogger creates a logger writing to the given sink.
func NewLogger(output io.Writer) *Logger {
	return &Logger{
		output:        output,
		level:         LogLevelInfo,
		component:     "LOCALKV",
		slowThreshold: 100 * time.Millisecond,
	}
}

// SetLevel 设置最低日志级别
// EN: SetLevel sets the minimum level.
func (l *Logger) SetLevel(level int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput 设置输出目标
// EN: SetOutput sets the output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// SetSlowThreshold 设置慢操作阈值
// EN: SetSlowThreshold sets the slow-operation threshold.
func (l *Logger) SetSlowThreshold(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slowThreshold = d
}

// WithComponent 创建带组件名的日志器副本
// EN: WithComponent returns a copy with a different component tag.
func (l *Logger) WithComponent(name string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{
		output:        l.output,
		level:         l.level,
		component:     name,
		slowThreshold: l.slowThreshold,
	}
}

// log 写入一条日志
// EN: log writes one entry.
func (l *Logger) log(level int, msg string, ctx map[string]interface{}, duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     logLevelNames[level],
		Component: l.component,
		Message:   msg,
		Context:   ctx,
	}
	if duration > 0 {
		entry.DurationMs = duration.Milliseconds()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.output, "[ERROR] Failed to marshal log entry: %v\n", err)
		return
	}
	l.output.Write(data)
	l.output.Write([]byte("\n"))
}

// Debug 调试日志
// EN: Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, ctx ...map[string]interface{}) {
	l.log(LogLevelDebug, msg, firstCtx(ctx), 0)
}

// Info 信息日志
// EN: Info logs at INFO level.
func (l *Logger) Info(msg string, ctx ...map[string]interface{}) {
	l.log(LogLevelInfo, msg, firstCtx(ctx), 0)
}

// Warn 警告日志
// EN: Warn logs at WARN level.
func (l *Logger) Warn(msg string, ctx ...map[string]interface{}) {
	l.log(LogLevelWarn, msg, firstCtx(ctx), 0)
}

// Error 错误日志
// EN: Error logs at ERROR level.
func (l *Logger) Error(msg string, ctx ...map[string]interface{}) {
	l.log(LogLevelError, msg, firstCtx(ctx), 0)
}

// LogSlowOperation 记录超过阈值的慢操作
// EN: LogSlowOperation records operations slower than the threshold.
func (l *Logger) LogSlowOperation(op string, duration time.Duration, ctx map[string]interface{}) {
	if duration < l.slowThreshold {
		return
	}
	if ctx == nil {
		ctx = make(map[string]interface{})
	}
	ctx["operation"] = op
	ctx["slowThreshold"] = l.slowThreshold.String()
	l.log(LogLevelWarn, "slow operation detected", ctx, duration)
}

func firstCtx(ctx []map[string]interface{}) map[string]interface{} {
	if len(ctx) > 0 {
		return ctx[0]
	}
	return nil
}

// 全局日志函数
// EN: Global logging helpers.

// GetLogger 获取默认日志器
// EN: GetLogger returns the default logger.
func GetLogger() *Logger {
	return defaultLogger
}

// SetLogLevel 设置全局日志级别
// EN: SetLogLevel sets the global log level.
func SetLogLevel(level int) {
	defaultLogger.SetLevel(level)
}

// LogDebug 全局调试日志
// EN: LogDebug writes a DEBUG log using the default logger.
func LogDebug(msg string, ctx ...map[string]interface{}) {
	defaultLogger.Debug(msg, ctx...)
}

// LogInfo 全局信息日志
// EN: LogInfo writes an INFO log using the default logger.
func LogInfo(msg string, ctx ...map[string]interface{}) {
	defaultLogger.Info(msg, ctx...)
}

// LogWarn 全局警告日志
// EN: LogWarn writes a WARN log using the default logger.
func LogWarn(msg string, ctx ...map[string]interface{}) {
	defaultLogger.Warn(msg, ctx...)
}

// LogError 全局错误日志
// EN: LogError writes an ERROR log using the default logger.
func LogError(msg string, ctx ...map[string]interface{}) {
	defaultLogger.Error(msg, ctx...)
}

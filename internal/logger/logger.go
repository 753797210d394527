// 包 logger：统一初始化与获取日志器，避免导入器与服务端各自配置；级别与格式由环境变量控制
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// 默认日志器：进程级复用；导入器为单线程批处理，无并发初始化问题
var defaultLogger *slog.Logger

// Setup：初始化默认日志器
// 背景：导入是长时间运行的批任务，进度与错误摘要持续输出到标准错误，不与数据输出混流
// 约束：LOG_FORMAT=json 时输出结构化日志供采集；不在此处管理文件句柄
func Setup() *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	var h slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}
	defaultLogger = slog.New(h)
	return defaultLogger
}

// L：获取默认日志器；未初始化时回退到 Setup
func L() *slog.Logger {
	if defaultLogger == nil {
		return Setup()
	}
	return defaultLogger
}

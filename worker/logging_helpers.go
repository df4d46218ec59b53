package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/wfahnestock/caass-server/common/logger"
)

// logWithLevel routes structured logs to the shared logger when available,
// and falls back to stderr with a consistent format during bootstrap.
func logWithLevel(level logger.LogLevel, msg string, kv ...interface{}) {
	if workerLogger != nil {
		switch level {
		case logger.ERROR:
			workerLogger.Error(msg, kv...)
		case logger.WARN:
			workerLogger.Warn(msg, kv...)
		case logger.DEBUG:
			workerLogger.Debug(msg, kv...)
		default:
			workerLogger.Info(msg, kv...)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "%s [%s] %s%s\n", time.Now().Format(time.RFC3339), logger.LevelToString(level), msg, formatKeyValues(kv...))
}

func formatKeyValues(kv ...interface{}) string {
	if len(kv) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("arg%d", i)
		}
		var val interface{} = "<missing>"
		if i+1 < len(kv) {
			val = kv[i+1]
		}
		fmt.Fprintf(&b, " %s=%v", key, val)
	}
	return b.String()
}

func logInfo(msg string, kv ...interface{}) {
	logWithLevel(logger.INFO, msg, kv...)
}

func logWarn(msg string, kv ...interface{}) {
	logWithLevel(logger.WARN, msg, kv...)
}

func logError(msg string, kv ...interface{}) {
	logWithLevel(logger.ERROR, msg, kv...)
}

func logFatal(msg string, kv ...interface{}) {
	logError(msg, kv...)
	if workerLogger != nil {
		_ = workerLogger.Close()
	}
	os.Exit(1)
}

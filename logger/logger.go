package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// L 全局结构化日志器（控制台 + 文件双输出）
var L zerolog.Logger

func init() {
	L = zerolog.New(consoleWriter()).With().Timestamp().Logger()
}

// Init 按配置初始化日志器，文件输出为 JSON 便于事后分析
func Init(logFile, level string) error {
	writers := []io.Writer{consoleWriter()}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	L = zerolog.New(io.MultiWriter(writers...)).
		Level(lvl).
		With().
		Timestamp().
		Logger()
	return nil
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
}

// Cycle 记录一次主循环周期的结构化摘要
func Cycle(kind string, price float64, took time.Duration) {
	L.Info().
		Str("cycle", kind).
		Float64("price", price).
		Dur("took", took).
		Msg("cycle complete")
}

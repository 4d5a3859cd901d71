package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// InitLogger 初始化日志系统
func InitLogger(cfg *Config) error {
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logrus.Warnf("Invalid log level '%s', using 'info'", cfg.Log.Level)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	default:
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	rotated := func() (io.Writer, error) {
		logDir := filepath.Dir(cfg.Log.FilePath)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, err
		}
		return &lumberjack.Logger{
			Filename:   cfg.Log.FilePath,
			MaxSize:    cfg.Log.MaxSize,    // MB
			MaxBackups: cfg.Log.MaxBackups, // 保留文件数
			MaxAge:     cfg.Log.MaxAge,     // 保留天数
			Compress:   cfg.Log.Compress,
			LocalTime:  true,
		}, nil
	}

	switch strings.ToLower(cfg.Log.Output) {
	case "file":
		w, err := rotated()
		if err != nil {
			return err
		}
		logrus.SetOutput(w)
	case "both":
		w, err := rotated()
		if err != nil {
			return err
		}
		logrus.SetOutput(io.MultiWriter(os.Stdout, w))
	default:
		logrus.SetOutput(os.Stdout)
	}

	logrus.Infof("Logger initialized - Level: %s, Format: %s, Output: %s",
		cfg.Log.Level, cfg.Log.Format, cfg.Log.Output)

	return nil
}

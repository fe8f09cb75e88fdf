package app

import (
	"io"
	"os"

	"github.com/Dan9191/loans-finder/internal/config"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the JSON logger. With LOG_FILE set, entries also go to a
// rotated file.
func NewLogger(cfg *config.Config) (*logrus.Logger, io.Closer) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logLevel, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if cfg.LogFile == "" {
		return logger, nopCloser{}
	}
	file := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, file))
	return logger, file
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

package utils

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// SetupSlogLogger configures structured logging from the logging section
// of the config. The returned file, if any, must be closed on shutdown.
func SetupSlogLogger() (*os.File, error) {
	level := strings.ToLower(viper.GetString("logging.level"))
	format := strings.ToLower(viper.GetString("logging.format"))
	output := strings.ToLower(viper.GetString("logging.output"))
	logFile := viper.GetString("logging.file")

	if level == "" {
		level = "info"
	}
	if format == "" {
		format = "json"
	}
	if output == "" {
		output = "stdout"
	}
	if logFile == "" {
		logFile = "/var/log/meshca.log"
	}

	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	openLogFile := func() (*os.File, error) {
		logDir := filepath.Dir(logFile)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			// Fall back to a local directory when /var/log is not writable
			logFile = "./logs/meshca.log"
			if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
				return nil, fmt.Errorf("create log directory: %v", err)
			}
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %v", logFile, err)
		}
		return f, nil
	}

	var writer io.Writer
	var file *os.File
	var err error

	switch output {
	case "file":
		file, err = openLogFile()
		if err != nil {
			return nil, err
		}
		writer = file
	case "both":
		file, err = openLogFile()
		if err != nil {
			return nil, err
		}
		writer = io.MultiWriter(os.Stdout, file)
	default:
		writer = os.Stdout
	}

	var handler slog.Handler
	handlerOpts := &slog.HandlerOptions{
		Level: logLevel,
	}
	if format == "json" {
		handler = slog.NewJSONHandler(writer, handlerOpts)
	} else {
		handler = slog.NewTextHandler(writer, handlerOpts)
	}

	slog.SetDefault(slog.New(handler))

	// Route the standard log package through the same writer
	if output != "stdout" {
		log.SetOutput(writer)
	}
	log.SetFlags(0)

	slog.Info("logging configured",
		"level", level,
		"format", format,
		"output", output,
		"file", logFile)

	return file, nil
}

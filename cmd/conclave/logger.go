package main

import (
	"fmt"
	"os"

	"github.com/conclave-ai/conclave/pkg/logger"
)

const (
	logFileEnvVar   = "LOG_FILE"
	logLevelEnvVar  = "LOG_LEVEL"
	logFormatEnvVar = "LOG_FORMAT"
)

// initLogger installs the process logger. Priority: CLI flags, then
// environment, then defaults. Returns a cleanup for the log file.
func initLogger(cliLevel, cliFile, cliFormat string) (func(), error) {
	level := firstNonEmpty(cliLevel, os.Getenv(logLevelEnvVar), "info")
	file := firstNonEmpty(cliFile, os.Getenv(logFileEnvVar))
	format := firstNonEmpty(cliFormat, os.Getenv(logFormatEnvVar), "simple")

	parsed, err := logger.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	var cleanup func()
	if file != "" {
		f, closeFn, err := logger.OpenLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = f
		cleanup = closeFn
	}

	logger.Init(parsed, output, format)
	return cleanup, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

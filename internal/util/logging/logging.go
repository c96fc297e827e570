// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging sets up the logger of autohck. Records go to stdout and,
// when a log file is configured, are appended to it at debug level as well.
// The standard library slog logger is bridged to the same sink.
package logging

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var ErrOpenLogFile = errors.New("opening log file")

// Options configures the logger behavior.
type Options struct {
	// Debug lowers the stdout level to debug.
	Debug bool
	// LogFile is appended with every record, debug included. Empty disables
	// the file sink.
	LogFile string
	// Stdout overrides the console writer. Defaults to os.Stdout.
	Stdout io.Writer
}

// Setup builds the logger and installs it as the default slog logger. The
// returned function flushes and closes the sinks.
func Setup(opts Options) (logr.Logger, func(), error) {
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	consoleLevel := zapcore.InfoLevel
	if opts.Debug {
		consoleLevel = zapcore.DebugLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(stdout), consoleLevel),
	}

	closeFile := func() error { return nil }
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return logr.Discard(), func() {}, errors.Join(ErrOpenLogFile, err)
		}
		closeFile = f.Close
		// verbosity levels map to negative zap levels, keep all of them
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(f), zapcore.Level(-10)))
	}

	zl := zap.New(zapcore.NewTee(cores...))
	log := zapr.NewLogger(zl)
	slog.SetDefault(slog.New(logr.ToSlogHandler(log)))

	return log, func() {
		_ = zl.Sync()
		_ = closeFile()
	}, nil
}

/*
 * Copyright (c) 2024, The edgerelay Authors
 * All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package logger provides the process-wide logger of edgerelay.
package logger

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	systemLogFilename = "edgerelay.log"

	// RFC3339Milli is the timestamp layout used by every log line.
	RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"

	logMaxSizeMB  = 300
	logMaxBackups = 4
)

var (
	defaultLogger *zap.SugaredLogger // stderr + file
	stderrLogger  *zap.SugaredLogger
)

// Options is the part of the process options the logger cares about.
type Options struct {
	// AbsLogDir is the absolute directory to write log files into,
	// empty means stderr only.
	AbsLogDir string
	Debug     bool
}

// Init initializes the package-level loggers. It must be called once,
// before any logging happens. Without it, logging goes to stderr at
// debug level (the mode tests run in).
func Init(opt *Options) {
	encoderConfig := defaultEncoderConfig()

	lowestLevel := zap.InfoLevel
	if opt.Debug {
		lowestLevel = zap.DebugLevel
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1)}

	stderrSyncer := zapcore.AddSync(os.Stderr)
	stderrCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), stderrSyncer, lowestLevel)
	stderrLogger = zap.New(stderrCore, opts...).Sugar()

	if opt.AbsLogDir == "" {
		defaultLogger = stderrLogger
		return
	}

	fileSyncer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(opt.AbsLogDir, systemLogFilename),
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
		LocalTime:  true,
	})
	fileCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), fileSyncer, lowestLevel)

	defaultCore := zapcore.NewTee(fileCore, stderrCore)
	defaultLogger = zap.New(defaultCore, opts...).Sugar()
}

func defaultEncoderConfig() zapcore.EncoderConfig {
	timeEncoder := func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(RFC3339Milli))
	}

	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "", // no need
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "", // no need
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func bootstrapLogger() *zap.SugaredLogger {
	encoderConfig := defaultEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stderr), zap.DebugLevel)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

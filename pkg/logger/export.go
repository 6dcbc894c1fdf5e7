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

package logger

import "go.uber.org/zap"

func get() *zap.SugaredLogger {
	if defaultLogger == nil {
		defaultLogger = bootstrapLogger()
	}
	return defaultLogger
}

// Debugf logs at debug level.
func Debugf(template string, args ...interface{}) {
	get().Debugf(template, args...)
}

// Infof logs at info level.
func Infof(template string, args ...interface{}) {
	get().Infof(template, args...)
}

// Warnf logs at warn level.
func Warnf(template string, args ...interface{}) {
	get().Warnf(template, args...)
}

// Errorf logs at error level.
func Errorf(template string, args ...interface{}) {
	get().Errorf(template, args...)
}

// Sync flushes buffered log entries.
func Sync() {
	if defaultLogger != nil {
		_ = defaultLogger.Sync()
	}
	if stderrLogger != nil {
		_ = stderrLogger.Sync()
	}
}

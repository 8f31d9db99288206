/*
Copyright (c) 2024 Keyfactor, Inc.

Licensed under the MIT License (the "License"); you may not use this file except
in compliance with the License. You may obtain a copy of the License at

https://opensource.org/licenses/MIT

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package alogger

import (
	"context"
	"errors"
	"fmt"
	"time"

	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"

	caplugin "github.com/Keyfactor/godaddy-caplugin"
)

// GormLogger adapts a caplugin.Logger to gorm.io/gorm/logger.Interface.
type GormLogger struct {
	LogLevel                  gormlogger.LogLevel
	SlowThreshold             time.Duration
	IgnoreRecordNotFoundError bool
	Logger                    caplugin.Logger
}

// NewGormLogger creates a new GormLogger using the provided logger.
func NewGormLogger(logger caplugin.Logger) *GormLogger {
	return &GormLogger{
		LogLevel:                  gormlogger.Warn,
		SlowThreshold:             time.Second,
		IgnoreRecordNotFoundError: true,
		Logger:                    logger,
	}
}

// LogMode returns a copy of the logger with the given level.
func (gl *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	newLogger := *gl
	newLogger.LogLevel = level
	return &newLogger
}

// Info logs info messages.
func (gl *GormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if gl.LogLevel < gormlogger.Info {
		return
	}
	gl.Logger.Infof(msg, args...)
}

// Warn logs warning messages at the info level.
func (gl *GormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if gl.LogLevel < gormlogger.Warn {
		return
	}
	gl.Logger.Infof("WARNING: "+msg, args...)
}

// Error logs error messages.
func (gl *GormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if gl.LogLevel < gormlogger.Error {
		return
	}
	gl.Logger.Errorf(msg, args...)
}

// Trace logs database operations.
func (gl *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if gl.LogLevel <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	sqlWithRows := fmt.Sprintf("[rows:%v] %s", rows, sql)

	switch {
	case err != nil && (!errors.Is(err, gormlogger.ErrRecordNotFound) || !gl.IgnoreRecordNotFoundError):
		if gl.LogLevel >= gormlogger.Error {
			gl.Logger.Errorw("database error",
				"Error", err.Error(),
				"Elapsed", elapsed,
				"SQL", sqlWithRows,
				"Source", utils.FileWithLineNum(),
			)
		}

	case elapsed > gl.SlowThreshold && gl.SlowThreshold != 0:
		if gl.LogLevel >= gormlogger.Warn {
			gl.Logger.Infow(fmt.Sprintf("SLOW SQL >= %v", gl.SlowThreshold),
				"Elapsed", elapsed,
				"SQL", sqlWithRows,
				"Source", utils.FileWithLineNum(),
			)
		}

	default:
		if gl.LogLevel >= gormlogger.Info {
			gl.Logger.Debugf("database query [%s] %s", elapsed, sqlWithRows)
		}
	}
}

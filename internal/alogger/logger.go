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
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	caplugin "github.com/Keyfactor/godaddy-caplugin"
)

// Logger is a zerolog-based logger implementing caplugin.Logger.
type Logger struct {
	logger zerolog.Logger
	fields []keyValue
}

// keyValue is a loosely-typed key-value pair.
type keyValue struct {
	key   string
	value interface{}
}

// New creates a new logger which writes human-readable output to the
// specified writer.
func New(w io.Writer, level zerolog.Level) caplugin.Logger {
	return newLogger(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339Nano,
		NoColor:    true,
	}, level)
}

// NewJSON creates a new logger which writes one JSON object per entry to
// the specified writer.
func NewJSON(w io.Writer, level zerolog.Level) caplugin.Logger {
	return newLogger(w, level)
}

// NewNop creates a logger which discards all output.
func NewNop() caplugin.Logger {
	return &Logger{logger: zerolog.Nop()}
}

func newLogger(w io.Writer, level zerolog.Level) *Logger {
	return &Logger{
		logger: zerolog.New(w).Level(level).With().Timestamp().Logger(),
	}
}

// ParseLevel parses a level name such as "debug" or "error". An empty name
// is the info level.
func ParseLevel(name string) (zerolog.Level, error) {
	if name == "" {
		return zerolog.InfoLevel, nil
	}

	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", name, err)
	}

	return level, nil
}

// Debugf uses fmt.Sprintf to log a formatted message.
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.logw(zerolog.DebugLevel, fmt.Sprintf(format, v...))
}

// Debugw logs a message with some additional context. The variadic key-value
// pairs are treated as they are in With.
func (l *Logger) Debugw(msg string, keysAndValues ...interface{}) {
	l.logw(zerolog.DebugLevel, msg, keysAndValues...)
}

// Errorf uses fmt.Sprintf to log a formatted message.
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.logw(zerolog.ErrorLevel, fmt.Sprintf(format, v...))
}

// Errorw logs a message with some additional context. The variadic key-value
// pairs are treated as they are in With.
func (l *Logger) Errorw(msg string, keysAndValues ...interface{}) {
	l.logw(zerolog.ErrorLevel, msg, keysAndValues...)
}

// Infof uses fmt.Sprintf to log a formatted message.
func (l *Logger) Infof(format string, v ...interface{}) {
	l.logw(zerolog.InfoLevel, fmt.Sprintf(format, v...))
}

// Infow logs a message with some additional context. The variadic key-value
// pairs are treated as they are in With.
func (l *Logger) Infow(msg string, keysAndValues ...interface{}) {
	l.logw(zerolog.InfoLevel, msg, keysAndValues...)
}

// With adds a variadic number of key-value pairs to the logging context. The
// first element of each pair is used as the field key and should be a
// string. Pairs with non-string keys and an orphaned final key are
// discarded.
func (l *Logger) With(args ...interface{}) caplugin.Logger {
	args = cleanKeysAndValues(args)

	newFields := make([]keyValue, len(l.fields), len(l.fields)+len(args)/2)
	copy(newFields, l.fields)

	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		newFields = append(newFields, keyValue{key: key, value: args[i+1]})
	}

	return &Logger{
		logger: l.logger,
		fields: newFields,
	}
}

// logw is the common implementation for all logging methods.
func (l *Logger) logw(level zerolog.Level, msg string, keysAndValues ...interface{}) {
	event := l.logger.WithLevel(level)
	if event == nil {
		return
	}

	if _, file, line, ok := runtime.Caller(2); ok {
		event = event.Str(zerolog.CallerFieldName,
			fmt.Sprintf("%s/%s:%d", filepath.Base(filepath.Dir(file)), filepath.Base(file), line))
	}

	for _, field := range l.fields {
		event = addField(event, field.key, field.value)
	}

	keysAndValues = cleanKeysAndValues(keysAndValues)
	for i := 0; i < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}

		event = addField(event, key, keysAndValues[i+1])
	}

	event.Msg(msg)
}

// cleanKeysAndValues ensures that keysAndValues has an even length.
func cleanKeysAndValues(keysAndValues []interface{}) []interface{} {
	if len(keysAndValues)%2 != 0 {
		return keysAndValues[:len(keysAndValues)-1]
	}
	return keysAndValues
}

// addField adds a field to the event based on the value's type.
func addField(event *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case nil:
		return event.Interface(key, nil)
	case string:
		return event.Str(key, v)
	case bool:
		return event.Bool(key, v)
	case int:
		return event.Int(key, v)
	case int64:
		return event.Int64(key, v)
	case float64:
		return event.Float64(key, v)
	case time.Duration:
		return event.Dur(key, v)
	case time.Time:
		return event.Time(key, v)
	case error:
		return event.Str(key, v.Error())
	case fmt.Stringer:
		return event.Stringer(key, v)
	default:
		return event.Interface(key, v)
	}
}

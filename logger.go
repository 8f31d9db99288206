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

package caplugin

// Logger is an interface for a plugin logger.
type Logger interface {
	// Debugf uses fmt.Sprintf to log a formatted message.
	Debugf(format string, args ...interface{})

	// Debugw logs a message with some additional context. The variadic
	// key-value pairs are treated as they are in With.
	Debugw(msg string, keysAndValues ...interface{})

	// Errorf uses fmt.Sprintf to log a formatted message.
	Errorf(format string, args ...interface{})

	// Errorw logs a message with some additional context. The variadic
	// key-value pairs are treated as they are in With.
	Errorw(msg string, keysAndValues ...interface{})

	// Infof uses fmt.Sprintf to log a formatted message.
	Infof(format string, args ...interface{})

	// Infow logs a message with some additional context. The variadic
	// key-value pairs are treated as they are in With.
	Infow(msg string, keysAndValues ...interface{})

	// With adds a variadic number of key-values pairs to the logging context.
	// The first element of the pair is used as the field key and should be a
	// string.
	With(keysAndValues ...interface{}) Logger
}

// nopLogger is a do-nothing logger which is used if no logger is provided.
type nopLogger struct{}

func (l *nopLogger) Debugf(format string, args ...interface{}) {}

func (l *nopLogger) Debugw(msg string, keysAndValues ...interface{}) {}

func (l *nopLogger) Errorf(format string, args ...interface{}) {}

func (l *nopLogger) Errorw(msg string, keysAndValues ...interface{}) {}

func (l *nopLogger) Infof(format string, args ...interface{}) {}

func (l *nopLogger) Infow(msg string, keysAndValues ...interface{}) {}

func (l *nopLogger) With(keysAndValues ...interface{}) Logger {
	return l
}

func newNOPLogger() Logger {
	return &nopLogger{}
}

// loggerOrNOP returns logger, or a do-nothing logger if logger is nil.
func loggerOrNOP(logger Logger) Logger {
	if logger == nil {
		return newNOPLogger()
	}

	return logger
}

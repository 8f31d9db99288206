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

package alogger_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	caplugin "github.com/Keyfactor/godaddy-caplugin"
	"github.com/Keyfactor/godaddy-caplugin/internal/alogger"
)

func TestLogger(t *testing.T) {
	t.Parallel()

	var testcases = []struct {
		name   string
		level  zerolog.Level
		log    func(caplugin.Logger)
		want   map[string]interface{}
		silent bool
	}{
		{
			name:  "InfoWithFields",
			level: zerolog.DebugLevel,
			log: func(l caplugin.Logger) {
				l.Infow("order submitted", "RequestID", "1234", "Attempts", 2, "Elapsed", time.Second)
			},
			want: map[string]interface{}{
				"level":     "info",
				"message":   "order submitted",
				"RequestID": "1234",
				"Attempts":  float64(2),
			},
		},
		{
			name:  "ErrorFormatted",
			level: zerolog.DebugLevel,
			log: func(l caplugin.Logger) {
				l.Errorf("vendor returned %d", 503)
			},
			want: map[string]interface{}{
				"level":   "error",
				"message": "vendor returned 503",
			},
		},
		{
			name:  "ErrorValueAndOrphanKey",
			level: zerolog.DebugLevel,
			log: func(l caplugin.Logger) {
				l.Debugw("poll", "Error", errors.New("boom"), "orphan")
			},
			want: map[string]interface{}{
				"level":   "debug",
				"message": "poll",
				"Error":   "boom",
			},
		},
		{
			name:  "BelowLevel",
			level: zerolog.InfoLevel,
			log: func(l caplugin.Logger) {
				l.Debugw("hidden")
			},
			silent: true,
		},
	}

	for _, tc := range testcases {
		var tc = tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			tc.log(alogger.NewJSON(&buf, tc.level))

			if tc.silent {
				if buf.Len() != 0 {
					t.Fatalf("unexpected output: %s", buf.String())
				}
				return
			}

			var got map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
				t.Fatalf("failed to parse log entry %q: %v", buf.String(), err)
			}

			for key, want := range tc.want {
				if got[key] != want {
					t.Errorf("%s: got %v, want %v", key, got[key], want)
				}
			}

			caller, _ := got["caller"].(string)
			if !strings.HasPrefix(caller, "alogger/logger_test.go:") {
				t.Errorf("got caller %q, want alogger/logger_test.go:*", caller)
			}

			if _, ok := got["time"]; !ok {
				t.Errorf("missing time field")
			}
		})
	}
}

func TestLoggerWith(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var base = alogger.NewJSON(&buf, zerolog.DebugLevel)

	var child = base.With("Strategy", "renewal", 42, "dropped", "Product")
	child.Infow("enrolling", "RequestID", "abc")

	var got map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("failed to parse log entry %q: %v", buf.String(), err)
	}

	if got["Strategy"] != "renewal" || got["RequestID"] != "abc" {
		t.Fatalf("unexpected fields: %v", got)
	}

	if _, ok := got["Product"]; ok {
		t.Fatalf("orphaned key was logged: %v", got)
	}

	buf.Reset()
	base.Infow("parent")

	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("failed to parse log entry %q: %v", buf.String(), err)
	}

	if strings.Contains(buf.String(), "Strategy") {
		t.Fatalf("child fields leaked into parent: %s", buf.String())
	}
}

func TestConsoleLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	alogger.New(&buf, zerolog.InfoLevel).Infow("started", "Address", ":8443")

	var out = buf.String()
	for _, want := range []string{"INF", "started", "Address=:8443"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q does not contain %q", out, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	var testcases = []struct {
		name string
		want zerolog.Level
		err  bool
	}{
		{name: "", want: zerolog.InfoLevel},
		{name: "debug", want: zerolog.DebugLevel},
		{name: "error", want: zerolog.ErrorLevel},
		{name: "loud", err: true},
	}

	for _, tc := range testcases {
		var tc = tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := alogger.ParseLevel(tc.name)
			if (err != nil) != tc.err {
				t.Fatalf("got error %v, want error %t", err, tc.err)
			}

			if err == nil && got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

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

package main

import (
	"bytes"
	"flag"
	"io"
	"reflect"
	"strings"
	"testing"
)

func TestParseOptions(t *testing.T) {
	t.Parallel()

	var testcases = []struct {
		name string
		args []string
		want options
	}{
		{
			name: "None",
		},
		{
			name: "Config",
			args: []string{"-config", "gateway.yaml", "-loglevel", "debug"},
			want: options{configFile: "gateway.yaml", logLevel: "debug"},
		},
		{
			name: "Listen",
			args: []string{"-listen", "127.0.0.1:9443"},
			want: options{listenAddr: "127.0.0.1:9443"},
		},
		{
			name: "SpecialPurpose",
			args: []string{"-help", "-sampleconfig", "-version"},
			want: options{help: true, sampleConfig: true, version: true},
		},
	}

	for _, tc := range testcases {
		var tc = tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fs := flag.NewFlagSet(appName, flag.ContinueOnError)
			fs.SetOutput(io.Discard)

			got, err := parseOptions(fs, tc.args)
			if err != nil {
				t.Fatalf("failed to parse options: %v", err)
			}

			if !reflect.DeepEqual(*got, tc.want) {
				t.Fatalf("got %+v, want %+v", *got, tc.want)
			}
		})
	}
}

func TestParseOptionsErrors(t *testing.T) {
	t.Parallel()

	var testcases = []struct {
		name string
		args []string
	}{
		{name: "UnknownFlag", args: []string{"-verbose"}},
		{name: "MissingValue", args: []string{"-config"}},
		{name: "Positional", args: []string{"gateway.yaml"}},
	}

	for _, tc := range testcases {
		var tc = tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fs := flag.NewFlagSet(appName, flag.ContinueOnError)
			fs.SetOutput(io.Discard)

			if _, err := parseOptions(fs, tc.args); err == nil {
				t.Fatalf("unexpectedly parsed %v", tc.args)
			}
		})
	}
}

func TestOptionsApply(t *testing.T) {
	t.Parallel()

	cfg := &config{LogLevel: "info"}

	(&options{}).apply(cfg)
	if cfg.LogLevel != "info" {
		t.Fatalf("got log level %q, want unchanged", cfg.LogLevel)
	}

	(&options{logLevel: "error"}).apply(cfg)
	if cfg.LogLevel != "error" {
		t.Fatalf("got log level %q, want %q", cfg.LogLevel, "error")
	}
}

func TestUsage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	usage(&buf)

	for _, info := range optionInfos {
		if !strings.Contains(buf.String(), "-"+info.name) {
			t.Errorf("usage does not mention -%s", info.name)
		}
	}
}

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
	"flag"
	"fmt"
	"io"
)

const (
	appName       = "gatewayserver"
	versionString = "1.0.0"
)

// options contains the parsed command line.
type options struct {
	configFile   string
	listenAddr   string
	logLevel     string
	help         bool
	sampleConfig bool
	version      bool
}

// optionInfo describes a command line option for usage output.
type optionInfo struct {
	name string
	arg  string
	desc string
}

var optionInfos = []optionInfo{
	{name: "config", arg: "<path>", desc: "JSON or YAML configuration file (.yaml/.yml for YAML)"},
	{name: "listen", arg: "<addr>", desc: "listen address, overriding the configuration file"},
	{name: "loglevel", arg: "<level>", desc: "log level, overriding the configuration file"},
	{name: "sampleconfig", desc: "print a sample YAML configuration and exit"},
	{name: "version", desc: "print the version and exit"},
	{name: "help", desc: "print this help and exit"},
}

// parseOptions parses the command line arguments into a set of options.
func parseOptions(fs *flag.FlagSet, args []string) (*options, error) {
	var opts options

	fs.StringVar(&opts.configFile, "config", "", "")
	fs.StringVar(&opts.listenAddr, "listen", "", "")
	fs.StringVar(&opts.logLevel, "loglevel", "", "")
	fs.BoolVar(&opts.help, "help", false, "")
	fs.BoolVar(&opts.sampleConfig, "sampleconfig", false, "")
	fs.BoolVar(&opts.version, "version", false, "")

	fs.Usage = func() { usage(fs.Output()) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	return &opts, nil
}

// apply overrides values in cfg with those given on the command line.
func (o *options) apply(cfg *config) {
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
}

// usage writes usage information to w.
func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: %s [options]\n\n", appName)
	fmt.Fprintf(w, "Serves the GoDaddy CA gateway plugin over HTTPS. Without a vendor\n")
	fmt.Fprintf(w, "section in the configuration an in-process mock vendor is used, which\n")
	fmt.Fprintf(w, "is not suitable for production.\n\n")

	fmt.Fprintln(w, "Options:")
	for _, info := range optionInfos {
		name := info.name
		if info.arg != "" {
			name += " " + info.arg
		}
		fmt.Fprintf(w, "  -%-22s %s\n", name, info.desc)
	}
}

// version writes version information to w.
func version(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, versionString)
}

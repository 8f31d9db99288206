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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	caplugin "github.com/Keyfactor/godaddy-caplugin"
)

// config contains the gateway server configuration.
type config struct {
	Vendor        *caplugin.Config  `json:"vendor,omitempty" yaml:"vendor,omitempty"`
	MockVendor    *mockVendorConfig `json:"mock_vendor,omitempty" yaml:"mock_vendor,omitempty"`
	Store         *storeConfig      `json:"store,omitempty" yaml:"store,omitempty"`
	TLS           *tlsConfig        `json:"tls,omitempty" yaml:"tls,omitempty"`
	AllowedHosts  []string          `json:"allowed_hosts,omitempty" yaml:"allowed_hosts,omitempty"`
	Username      string            `json:"username" yaml:"username"`
	Password      string            `json:"password" yaml:"password"`
	RateLimit     int               `json:"rate_limit" yaml:"rate_limit"`
	Timeout       int               `json:"timeout" yaml:"timeout"`
	EnrollTimeout int               `json:"enroll_timeout" yaml:"enroll_timeout"`
	Logfile       string            `json:"log_file" yaml:"log_file"`
	LogLevel      string            `json:"log_level" yaml:"log_level"`
}

// mockVendorConfig contains the mock vendor configuration, used when no
// vendor connection is configured.
type mockVendorConfig struct {
	Certs string `json:"certificates" yaml:"certificates"`
	Key   string `json:"private_key" yaml:"private_key"`
}

// storeConfig contains the certificate store configuration.
type storeConfig struct {
	Type string `json:"type" yaml:"type"`
	DSN  string `json:"dsn" yaml:"dsn"`
}

// tlsConfig contains the server's TLS configuration.
type tlsConfig struct {
	ListenAddr string `json:"listen_address" yaml:"listen_address"`
	Certs      string `json:"certificates" yaml:"certificates"`
	Key        string `json:"private_key" yaml:"private_key"`
}

// configFromFile returns a new gateway server configuration from a JSON or
// YAML configuration file, selected by file extension.
func configFromFile(filename string) (*config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var cfg config

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
	}

	if cfg.Vendor != nil {
		if err := cfg.Vendor.Validate(); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

const sample = `{
    "vendor": {
        "apiKey": "your-api-key",
        "apiSecret": "your-api-secret",
        "baseUrl": "https://api.godaddy.com",
        "shopperId": "1234567890",
        "enabled": true,
        "requestsPerMinute": 60
    },
    "store": {
        "type": "postgres",
        "dsn": "host=localhost user=gateway password=xyzzy dbname=gateway port=5432 sslmode=disable"
    },
    "tls": {
        "listen_address": "localhost:8443",
        "certificates": "/path/to/server/certificates.pem",
        "private_key": "/path/to/server/private/key.pem"
    },
    "allowed_hosts": [
        "localhost",
        "127.0.0.1",
        "[::1]"
    ],
    "username": "gateway",
    "password": "xyzzy",
    "rate_limit": 150,
    "timeout": 30,
    "enroll_timeout": 600,
    "log_file": "/path/to/log.file",
    "log_level": "info"
}`

// sampleConfig outputs a sample configuration file.
func sampleConfig() {
	fmt.Println(sample)
}

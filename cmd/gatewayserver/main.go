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
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/globalsign/pemfile"

	caplugin "github.com/Keyfactor/godaddy-caplugin"
	"github.com/Keyfactor/godaddy-caplugin/internal/alogger"
	"github.com/Keyfactor/godaddy-caplugin/internal/certstore"
	"github.com/Keyfactor/godaddy-caplugin/internal/mockca"
)

const (
	defaultListenAddr = ":8443"
	defaultStoreDSN   = "file::memory:?cache=shared"
	shutdownTimeout   = time.Second * 10
)

func main() {
	log.SetPrefix(fmt.Sprintf("%s: ", appName))
	log.SetFlags(0)

	opts, err := parseOptions(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("%v", err)
	}

	// Process special-purpose flags.
	switch {
	case opts.help:
		usage(os.Stdout)
		return

	case opts.sampleConfig:
		sampleConfig()
		return

	case opts.version:
		version(os.Stdout)
		return
	}

	// Load and process configuration.
	var cfg *config
	if opts.configFile != "" {
		cfg, err = configFromFile(opts.configFile)
		if err != nil {
			log.Fatalf("failed to read configuration file: %v", err)
		}
	} else {
		cfg = &config{}
	}
	opts.apply(cfg)

	// Create logger. If no log file was specified, log to standard error.
	level, err := alogger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("%v", err)
	}

	var logger caplugin.Logger
	if cfg.Logfile == "" {
		logger = alogger.New(os.Stderr, level)
	} else {
		f, err := os.OpenFile(cfg.Logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("failed to open log file: %v", err)
		}
		logger = alogger.NewJSON(f, level)
		defer f.Close()
	}

	// Create mock vendor if no vendor connection was specified. The mock
	// vendor also issues the transient server certificate, if needed.
	var ca *mockca.MockCA
	var vendorCfg caplugin.Config

	if cfg.Vendor != nil {
		vendorCfg = *cfg.Vendor
	} else {
		ca, err = newMockVendor(cfg.MockVendor)
		if err != nil {
			log.Fatalf("failed to create mock vendor: %v", err)
		}

		mock := httptest.NewServer(ca.Handler())
		defer mock.Close()

		vendorCfg = caplugin.Config{
			APIKey:    mockca.APIKey,
			APISecret: mockca.APISecret,
			BaseURL:   mock.URL,
			ShopperID: mockca.ShopperID,
			Enabled:   true,
		}

		logger.Infow("using mock vendor FOR NON-PRODUCTION USE ONLY", "URL", mock.URL)
	}

	// Open certificate store.
	storeCfg := cfg.Store
	if storeCfg == nil {
		storeCfg = &storeConfig{Type: certstore.TypeSQLite, DSN: defaultStoreDSN}
	}

	store, err := certstore.Open(storeCfg.Type, storeCfg.DSN, logger)
	if err != nil {
		log.Fatalf("failed to open certificate store: %v", err)
	}
	defer store.Close()

	// Create and initialize plugin.
	plugin := caplugin.NewPlugin(caplugin.PluginConfig{
		Store:             store,
		EnrollmentTimeout: time.Duration(cfg.EnrollTimeout) * time.Second,
		Logger:            logger,
	})

	if err := plugin.Initialize(vendorCfg); err != nil {
		log.Fatalf("failed to initialize plugin: %v", err)
	}

	// Create server TLS configuration.
	tlsCfg, listenAddr, err := makeTLSConfig(cfg.TLS, ca)
	if err != nil {
		log.Fatalf("failed to create TLS configuration: %v", err)
	}
	if opts.listenAddr != "" {
		listenAddr = opts.listenAddr
	}

	// Create server mux.
	r, err := caplugin.NewRouter(&caplugin.ServerConfig{
		Plugin:         plugin,
		Logger:         logger,
		AllowedHosts:   cfg.AllowedHosts,
		Timeout:        time.Duration(cfg.Timeout) * time.Second,
		EnrollTimeout:  time.Duration(cfg.EnrollTimeout) * time.Second,
		RateLimit:      cfg.RateLimit,
		CheckBasicAuth: basicAuthFunc(cfg.Username, cfg.Password),
	})
	if err != nil {
		log.Fatalf("failed to create new gateway router: %v", err)
	}

	// Create and start server.
	s := &http.Server{
		Addr:              listenAddr,
		Handler:           r,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: time.Second * 10,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	logger.Infow("starting gateway server", "Address", listenAddr)

	go func() {
		if err := s.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("gateway server failed", "Error", err)
			stop <- syscall.SIGTERM
		}
	}()

	// Wait for signal.
	got := <-stop

	// Shutdown server.
	logger.Infow("closing gateway server", "Signal", got.String())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		logger.Errorw("failed to shut down gateway server", "Error", err)
	}
}

// newMockVendor creates a mock vendor from the configured CA files, or a
// transient one if none were configured.
func newMockVendor(cfg *mockVendorConfig) (*mockca.MockCA, error) {
	if cfg != nil {
		return mockca.NewFromFiles(cfg.Certs, cfg.Key)
	}

	return mockca.NewTransient()
}

// basicAuthFunc returns a function which requires the given HTTP Basic
// Authentication credentials, or nil if no username is configured.
func basicAuthFunc(username, password string) func(context.Context, *http.Request, string, string) error {
	if username == "" {
		return nil
	}

	return func(ctx context.Context, r *http.Request, user, pass string) error {
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1
		if !userOK || !passOK {
			return errors.New("authorization required")
		}

		return nil
	}
}

// makeTLSConfig returns the server TLS configuration and listen address. If
// no TLS configuration was specified, a transient server key is generated
// and a server certificate is issued by the mock vendor.
func makeTLSConfig(cfg *tlsConfig, ca *mockca.MockCA) (*tls.Config, string, error) {
	var listenAddr = defaultListenAddr
	var serverKey interface{}
	var serverCerts []*x509.Certificate
	var err error

	if cfg != nil {
		serverKey, err = pemfile.ReadPrivateKey(cfg.Key)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read server private key from file: %w", err)
		}

		serverCerts, err = pemfile.ReadCerts(cfg.Certs)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read server certificates from file: %w", err)
		}

		if cfg.ListenAddr != "" {
			listenAddr = cfg.ListenAddr
		}
	} else {
		if ca == nil {
			return nil, "", errors.New("a TLS configuration is required with a real vendor")
		}

		serverKey, serverCerts, err = makeTransientServerCert(ca)
		if err != nil {
			return nil, "", err
		}
	}

	if len(serverCerts) == 0 {
		return nil, "", errors.New("no server certificates found")
	}

	var tlsCerts [][]byte
	for i := range serverCerts {
		tlsCerts = append(tlsCerts, serverCerts[i].Raw)
	}

	return &tls.Config{
		MinVersion:       tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{tls.CurveP521, tls.CurveP384, tls.CurveP256},
		Certificates: []tls.Certificate{
			{
				Certificate: tlsCerts,
				PrivateKey:  serverKey,
				Leaf:        serverCerts[0],
			},
		},
	}, listenAddr, nil
}

// makeTransientServerCert generates a server key and a localhost server
// certificate chain issued by the mock vendor.
func makeTransientServerCert(ca *mockca.MockCA) (interface{}, []*x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate server private key: %w", err)
	}

	tmpl := &x509.CertificateRequest{
		Subject:     pkix.Name{CommonName: "Testing Non-Production Gateway Server"},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate server certificate signing request: %w", err)
	}

	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse server certificate signing request: %w", err)
	}

	cert, err := ca.Issue(csr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to issue server certificate: %w", err)
	}

	return key, append([]*x509.Certificate{cert}, ca.CACerts()...), nil
}

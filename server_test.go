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

package caplugin_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	caplugin "github.com/Keyfactor/godaddy-caplugin"
	"github.com/Keyfactor/godaddy-caplugin/internal/mockca"
)

// Test constants.
const (
	testDomain   = "gateway.fake.domain"
	testUsername = "testuser"
	testPassword = "xyzzy"
)

type testServer struct {
	*pluginFixture
	server  *httptest.Server
	rootCAs *x509.CertPool
}

// newClient returns a client for the test server with valid credentials.
func (s *testServer) newClient() *caplugin.Client {
	return &caplugin.Client{
		Host:       strings.TrimPrefix(s.server.URL, "https://"),
		RootCAs:    s.rootCAs,
		HostHeader: testDomain + ":" + strings.Split(s.server.URL, ":")[2],
		Username:   testUsername,
		Password:   testPassword,
	}
}

func newTestServer(t *testing.T, opts ...func(*caplugin.ServerConfig)) *testServer {
	t.Helper()

	f := newTestPlugin(t)

	// Obtain a TLS certificate for the server from the mock vendor.
	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate server private key: %v", err)
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:     pkix.Name{CommonName: "Test Gateway Server"},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1")},
	}, serverKey)
	if err != nil {
		t.Fatalf("failed to create server certificate request: %v", err)
	}

	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		t.Fatalf("failed to parse server certificate request: %v", err)
	}

	serverCert, err := f.ca.Issue(csr)
	if err != nil {
		t.Fatalf("failed to issue server certificate: %v", err)
	}

	checkBasicAuth := func(ctx context.Context, r *http.Request, username, password string) error {
		if username != testUsername || password != testPassword {
			return errors.New("bad credentials")
		}
		return nil
	}

	cfg := &caplugin.ServerConfig{
		Plugin:         f.plugin,
		Logger:         testLogger(),
		Timeout:        testTimeout,
		EnrollTimeout:  testTimeout,
		AllowedHosts:   []string{testDomain},
		RateLimit:      1000,
		CheckBasicAuth: checkBasicAuth,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	r, err := caplugin.NewRouter(cfg)
	if err != nil {
		t.Fatalf("failed to create new router: %v", err)
	}

	s := httptest.NewUnstartedServer(r)

	caCerts := f.ca.CACerts()

	tlsCerts := [][]byte{serverCert.Raw}
	for _, cert := range caCerts[:len(caCerts)-1] {
		tlsCerts = append(tlsCerts, cert.Raw)
	}

	s.TLS = &tls.Config{
		Certificates: []tls.Certificate{
			{
				Certificate: tlsCerts,
				PrivateKey:  serverKey,
				Leaf:        serverCert,
			},
		},
	}

	s.StartTLS()
	t.Cleanup(s.Close)

	rootCAs := x509.NewCertPool()
	rootCAs.AddCert(caCerts[len(caCerts)-1])

	return &testServer{
		pluginFixture: f,
		server:        s,
		rootCAs:       rootCAs,
	}
}

func TestServer(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	client := s.newClient()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if err := client.Healthcheck(ctx); err != nil {
		t.Fatalf("failed to check health: %v", err)
	}

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("failed to ping: %v", err)
	}

	ids, err := client.Products(ctx)
	if err != nil {
		t.Fatalf("failed to get products: %v", err)
	}
	if len(ids) != 10 || ids[0] != string(caplugin.ProductDVSSL) {
		t.Fatalf("unexpected products %v", ids)
	}

	annotations, err := client.Annotations(ctx)
	if err != nil {
		t.Fatalf("failed to get annotations: %v", err)
	}
	if _, ok := annotations.Connector[caplugin.ConfigShopperID]; !ok {
		t.Fatalf("no %s connector annotation", caplugin.ConfigShopperID)
	}
	if _, ok := annotations.TemplateParameters[caplugin.ParamSlotSize]; !ok {
		t.Fatalf("no %s template parameter annotation", caplugin.ParamSlotSize)
	}

	res, err := client.Enroll(ctx, &caplugin.EnrollInput{
		CSR:               mustMakeCSRPEM(t, "www.example.com"),
		ProductID:         string(caplugin.ProductDVSSL),
		ProductParameters: dvParameters(),
		Intent:            caplugin.IntentNew,
	})
	if err != nil {
		t.Fatalf("failed to enroll: %v", err)
	}
	if res.Status != caplugin.StatusGenerated {
		t.Fatalf("got status %v, want %v", res.Status, caplugin.StatusGenerated)
	}

	cert := mustParsePEMCertificate(t, res.Certificate)

	rec, err := client.Record(ctx, res.RequestID)
	if err != nil {
		t.Fatalf("failed to get certificate record: %v", err)
	}
	if rec.RequestID != res.RequestID || rec.Status != caplugin.StatusGenerated {
		t.Fatalf("unexpected certificate record %+v", rec)
	}

	chain, err := client.Chain(ctx, res.RequestID)
	if err != nil {
		t.Fatalf("failed to get certificate chain: %v", err)
	}
	if len(chain) != 3 || !chain[0].Equal(cert) {
		t.Fatalf("got chain of %d certificates, want end-entity, intermediate and root", len(chain))
	}

	synced, err := client.Synchronize(ctx, nil, true)
	if err != nil {
		t.Fatalf("failed to synchronize: %v", err)
	}
	if synced.Certificates != 1 {
		t.Fatalf("got %d synchronized certificates, want 1", synced.Certificates)
	}

	revoked, err := client.Revoke(ctx, res.RequestID, fmt.Sprintf("%X", cert.SerialNumber), 1)
	if err != nil {
		t.Fatalf("failed to revoke: %v", err)
	}
	if revoked.RequestID != res.RequestID || revoked.Status != caplugin.StatusRevoked {
		t.Fatalf("unexpected revocation response %+v", revoked)
	}

	rec, err = client.Record(ctx, res.RequestID)
	if err != nil {
		t.Fatalf("failed to get certificate record: %v", err)
	}
	if rec.Status != caplugin.StatusRevoked || rec.RevocationDate == nil {
		t.Fatalf("got status %v and revocation date %v, want revoked with a date", rec.Status, rec.RevocationDate)
	}
}

func TestServerClientErrors(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)

	var testcases = []struct {
		name   string
		client func() *caplugin.Client
		call   func(ctx context.Context, c *caplugin.Client) error
		status int
	}{
		{
			name: "BadCredentials",
			client: func() *caplugin.Client {
				c := s.newClient()
				c.Password = "wrong"
				return c
			},
			call:   func(ctx context.Context, c *caplugin.Client) error { return c.Ping(ctx) },
			status: http.StatusUnauthorized,
		},
		{
			name: "HostNotAllowed",
			client: func() *caplugin.Client {
				c := s.newClient()
				c.HostHeader = ""
				return c
			},
			call:   func(ctx context.Context, c *caplugin.Client) error { return c.Healthcheck(ctx) },
			status: http.StatusBadRequest,
		},
		{
			name:   "UnknownCertificate",
			client: s.newClient,
			call: func(ctx context.Context, c *caplugin.Client) error {
				_, err := c.Record(ctx, "no-such-certificate")
				return err
			},
			status: http.StatusNotFound,
		},
		{
			name:   "UnknownChain",
			client: s.newClient,
			call: func(ctx context.Context, c *caplugin.Client) error {
				_, err := c.Chain(ctx, "no-such-certificate")
				return err
			},
			status: http.StatusNotFound,
		},
		{
			name:   "UnsupportedProduct",
			client: s.newClient,
			call: func(ctx context.Context, c *caplugin.Client) error {
				_, err := c.Enroll(ctx, &caplugin.EnrollInput{
					CSR:               mustMakeCSRPEM(t, "www.example.com"),
					ProductID:         "SUPER_SSL",
					ProductParameters: dvParameters(),
					Intent:            caplugin.IntentNew,
				})
				return err
			},
			status: http.StatusBadRequest,
		},
		{
			name:   "MissingParameters",
			client: s.newClient,
			call: func(ctx context.Context, c *caplugin.Client) error {
				_, err := c.Enroll(ctx, &caplugin.EnrollInput{
					CSR:       mustMakeCSRPEM(t, "www.example.com"),
					ProductID: string(caplugin.ProductEVSSL),
					Intent:    caplugin.IntentNew,
				})
				return err
			},
			status: http.StatusBadRequest,
		},
		{
			name:   "VendorRejected",
			client: s.newClient,
			call: func(ctx context.Context, c *caplugin.Client) error {
				_, err := c.Enroll(ctx, &caplugin.EnrollInput{
					CSR:               mustMakeCSRPEM(t, mockca.TriggerInvalid),
					ProductID:         string(caplugin.ProductDVSSL),
					ProductParameters: dvParameters(),
					Intent:            caplugin.IntentNew,
				})
				return err
			},
			status: http.StatusUnprocessableEntity,
		},
		{
			name:   "VendorUnavailable",
			client: s.newClient,
			call: func(ctx context.Context, c *caplugin.Client) error {
				_, err := c.Enroll(ctx, &caplugin.EnrollInput{
					CSR:               mustMakeCSRPEM(t, mockca.TriggerUnavailable),
					ProductID:         string(caplugin.ProductDVSSL),
					ProductParameters: dvParameters(),
					Intent:            caplugin.IntentNew,
				})
				return err
			},
			status: http.StatusBadGateway,
		},
		{
			name:   "BadRevocationReason",
			client: s.newClient,
			call: func(ctx context.Context, c *caplugin.Client) error {
				_, err := c.Revoke(ctx, "some-certificate", "", 7)
				return err
			},
			status: http.StatusBadRequest,
		},
	}

	for _, tc := range testcases {
		var tc = tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			defer cancel()

			err := tc.call(ctx, tc.client())

			var perr caplugin.Error
			if !errors.As(err, &perr) {
				t.Fatalf("got error %v, want an error implementing Error", err)
			}

			if perr.StatusCode() != tc.status {
				t.Fatalf("got status %d (%v), want %d", perr.StatusCode(), err, tc.status)
			}
		})
	}
}

func TestServerEnrollDeadline(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, func(cfg *caplugin.ServerConfig) {
		cfg.EnrollTimeout = 300 * time.Millisecond
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	_, err := s.newClient().Enroll(ctx, &caplugin.EnrollInput{
		CSR:               mustMakeCSRPEM(t, mockca.TriggerPending),
		ProductID:         string(caplugin.ProductDVSSL),
		ProductParameters: dvParameters(),
		Intent:            caplugin.IntentNew,
	})

	var perr caplugin.Error
	if !errors.As(err, &perr) || perr.StatusCode() != http.StatusGatewayTimeout {
		t.Fatalf("got error %v, want status %d", err, http.StatusGatewayTimeout)
	}

	// The response comes from the handler, not from a timeout middleware.
	if !strings.Contains(err.Error(), "cancelled") {
		t.Fatalf("got error %q, want a cancellation message", err.Error())
	}

	if got := s.ca.Cancelled(); len(got) != 1 {
		t.Fatalf("got cancellations %v, want one", got)
	}
}

func TestServerRequests(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	port := strings.Split(s.server.URL, ":")[2]

	var testcases = []struct {
		name   string
		method string
		path   string
		ctype  string
		body   string
		status int
		msg    string
	}{
		{
			name:   "EnrollWrongType",
			method: http.MethodPost,
			path:   "/v1/enroll",
			ctype:  "text/plain",
			body:   "{}",
			status: http.StatusUnsupportedMediaType,
			msg:    "Content-Type must be application/json",
		},
		{
			name:   "EnrollNoType",
			method: http.MethodPost,
			path:   "/v1/enroll",
			body:   "{}",
			status: http.StatusUnsupportedMediaType,
			msg:    "malformed or missing Content-Type header",
		},
		{
			name:   "EnrollBadJSON",
			method: http.MethodPost,
			path:   "/v1/enroll",
			ctype:  "application/json",
			body:   "{not json",
			status: http.StatusBadRequest,
		},
		{
			name:   "EnrollBadIntent",
			method: http.MethodPost,
			path:   "/v1/enroll",
			ctype:  "application/json",
			body:   `{"enrollmentType":"rekey"}`,
			status: http.StatusBadRequest,
		},
		{
			name:   "SyncWrongType",
			method: http.MethodPost,
			path:   "/v1/sync",
			ctype:  "application/xml",
			body:   "<sync/>",
			status: http.StatusUnsupportedMediaType,
		},
		{
			name:   "RevokeWrongMethod",
			method: http.MethodGet,
			path:   "/v1/certificates/abc/revoke",
			status: http.StatusMethodNotAllowed,
		},
		{
			name:   "UnknownEndpoint",
			method: http.MethodGet,
			path:   "/v1/nothing",
			status: http.StatusNotFound,
		},
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: s.rootCAs},
		},
	}

	for _, tc := range testcases {
		var tc = tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			defer cancel()

			var body io.Reader
			if tc.body != "" {
				body = bytes.NewBufferString(tc.body)
			}

			req, err := http.NewRequestWithContext(ctx, tc.method, s.server.URL+tc.path, body)
			if err != nil {
				t.Fatalf("failed to make new HTTP request: %v", err)
			}

			req.Host = testDomain + ":" + port
			req.SetBasicAuth(testUsername, testPassword)
			if tc.ctype != "" {
				req.Header.Set("Content-Type", tc.ctype)
			}

			resp, err := httpClient.Do(req)
			if err != nil {
				t.Fatalf("failed to execute HTTP request: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tc.status {
				t.Fatalf("got status %d, want %d", resp.StatusCode, tc.status)
			}

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("failed to read response body: %v", err)
			}

			if tc.msg != "" && !strings.Contains(string(data), tc.msg) {
				t.Fatalf("got body %q, want it to contain %q", string(data), tc.msg)
			}

			for header, want := range map[string]string{
				"Strict-Transport-Security": "max-age=31536000",
				"X-Content-Type-Options":    "nosniff",
			} {
				if got := resp.Header.Get(header); got != want {
					t.Errorf("got %s %q, want %q", header, got, want)
				}
			}
		})
	}
}

func TestNewRouterNoPlugin(t *testing.T) {
	t.Parallel()

	if _, err := caplugin.NewRouter(&caplugin.ServerConfig{Timeout: time.Second}); err == nil {
		t.Fatalf("created router without a plugin")
	}
}

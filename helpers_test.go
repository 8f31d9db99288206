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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	caplugin "github.com/Keyfactor/godaddy-caplugin"
	"github.com/Keyfactor/godaddy-caplugin/internal/alogger"
	"github.com/Keyfactor/godaddy-caplugin/internal/mockca"
)

// Test constants.
const (
	testPollInterval = time.Millisecond * 10
	testTimeout      = time.Second * 15
	testRPM          = 6000
)

var (
	fLog = flag.Bool("log", false, "")
)

// testLogger returns a logger writing to standard error if the -log flag
// is set, and nil otherwise.
func testLogger() caplugin.Logger {
	if *fLog {
		return alogger.New(os.Stderr, zerolog.DebugLevel)
	}
	return nil
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// mockVendorConfig returns a connection configuration for the mock vendor
// served at url.
func mockVendorConfig(url string) caplugin.Config {
	return caplugin.Config{
		APIKey:    mockca.APIKey,
		APISecret: mockca.APISecret,
		BaseURL:   url,
		ShopperID: mockca.ShopperID,
		Enabled:   true,
	}
}

// newMockVendor starts a mock vendor server.
func newMockVendor(t *testing.T) (*mockca.MockCA, *httptest.Server) {
	t.Helper()

	ca, err := mockca.NewTransient()
	if err != nil {
		t.Fatalf("failed to create mock vendor: %v", err)
	}

	s := httptest.NewServer(ca.Handler())
	t.Cleanup(s.Close)

	return ca, s
}

// newTestVendorClient returns a vendor client for the mock vendor with a
// fast rate limiter and retry delay.
func newTestVendorClient(t *testing.T, url string) *caplugin.VendorClient {
	t.Helper()

	client, err := caplugin.NewVendorClient(mockVendorConfig(url),
		caplugin.WithRateLimiter(caplugin.NewRateLimiter(testRPM)),
		caplugin.WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("failed to create vendor client: %v", err)
	}

	client.SetRetryDelay(time.Millisecond)

	return client
}

// mustMakeCSRPEM returns a PEM-encoded CSR for cn.
func mustMakeCSRPEM(t *testing.T, cn string) string {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %v", err)
	}

	tmpl := &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: cn},
	}
	if cn != "" {
		tmpl.DNSNames = []string{cn}
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		t.Fatalf("failed to create certificate request: %v", err)
	}

	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))
}

// dvParameters returns a complete set of domain validated product
// parameters.
func dvParameters() map[string]string {
	return map[string]string{
		caplugin.ParamCertificateValidityInYears: "1",
		caplugin.ParamEmail:                      "admin@example.com",
		caplugin.ParamFirstName:                  "Jane",
		caplugin.ParamLastName:                   "Doe",
		caplugin.ParamPhone:                      "+1.4805058877",
		caplugin.ParamSlotSize:                   "FIVE",
	}
}

// ovParameters returns a complete set of organization validated product
// parameters.
func ovParameters() map[string]string {
	params := dvParameters()
	params[caplugin.ParamOrganizationName] = "Example Inc"
	params[caplugin.ParamOrganizationAddress] = "14455 N Hayden Rd"
	params[caplugin.ParamOrganizationCity] = "Scottsdale"
	params[caplugin.ParamOrganizationState] = "Arizona"
	params[caplugin.ParamOrganizationCountry] = "US"
	return params
}

// evParameters returns a complete set of extended validation product
// parameters.
func evParameters() map[string]string {
	params := ovParameters()
	params[caplugin.ParamJurisdictionState] = "Delaware"
	params[caplugin.ParamJurisdictionCountry] = "US"
	params[caplugin.ParamRegistrationNumber] = "1234567"
	return params
}

// mustParsePEMCertificate parses a single PEM certificate.
func mustParsePEMCertificate(t *testing.T, s string) *x509.Certificate {
	t.Helper()

	block, _ := pem.Decode([]byte(s))
	if block == nil {
		t.Fatalf("no PEM block in %q", s)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}

	return cert
}

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
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	caplugin "github.com/Keyfactor/godaddy-caplugin"
	"github.com/Keyfactor/godaddy-caplugin/internal/certstore"
	"github.com/Keyfactor/godaddy-caplugin/internal/mockca"
)

// memorySink collects synchronized records.
type memorySink struct {
	mu      sync.Mutex
	records map[string]*caplugin.CertificateRecord
}

func (s *memorySink) Save(_ context.Context, rec *caplugin.CertificateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.records == nil {
		s.records = make(map[string]*caplugin.CertificateRecord)
	}
	s.records[rec.RequestID] = rec

	return nil
}

type pluginFixture struct {
	plugin *caplugin.Plugin
	ca     *mockca.MockCA
	url    string
	store  *certstore.Store
	clock  *fakeClock
}

func newTestPlugin(t *testing.T) *pluginFixture {
	t.Helper()

	ca, s := newMockVendor(t)

	store, err := certstore.Open(certstore.TypeSQLite, filepath.Join(t.TempDir(), "certs.db"), nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := newFakeClock(time.Now())

	p := caplugin.NewPlugin(caplugin.PluginConfig{
		Store:        store,
		RateLimiter:  caplugin.NewRateLimiter(testRPM),
		PollInterval: testPollInterval,
		Logger:       testLogger(),
		Now:          clock.Now,
	})

	if err := p.Initialize(mockVendorConfig(s.URL)); err != nil {
		t.Fatalf("failed to initialize plugin: %v", err)
	}

	return &pluginFixture{
		plugin: p,
		ca:     ca,
		url:    s.URL,
		store:  store,
		clock:  clock,
	}
}

func (f *pluginFixture) enroll(t *testing.T, cn string, intent caplugin.EnrollmentIntent, serial string) (*caplugin.EnrollmentResult, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	return f.plugin.Enroll(ctx, &caplugin.EnrollInput{
		CSR:               mustMakeCSRPEM(t, cn),
		SANs:              map[string][]string{"dns": {cn}},
		ProductID:         string(caplugin.ProductDVSSL),
		ProductParameters: dvParameters(),
		Intent:            intent,
		PriorSerialNumber: serial,
	})
}

func TestPluginEnroll(t *testing.T) {
	t.Parallel()

	f := newTestPlugin(t)

	res, err := f.enroll(t, "www.example.com", caplugin.IntentNew, "")
	if err != nil {
		t.Fatalf("failed to enroll: %v", err)
	}

	if res.Status != caplugin.StatusGenerated {
		t.Fatalf("got status %v, want %v", res.Status, caplugin.StatusGenerated)
	}

	cert := mustParsePEMCertificate(t, res.Certificate)
	if cert.Subject.CommonName != "www.example.com" {
		t.Fatalf("got common name %q, want %q", cert.Subject.CommonName, "www.example.com")
	}

	entry, found, err := f.store.Get(context.Background(), res.RequestID)
	if err != nil || !found {
		t.Fatalf("issued certificate was not recorded: %t, %v", found, err)
	}
	if entry.SerialNumber != fmt.Sprintf("%X", cert.SerialNumber) {
		t.Fatalf("got recorded serial number %q, want %X", entry.SerialNumber, cert.SerialNumber)
	}
	if entry.ProductID != string(caplugin.ProductDVSSL) {
		t.Fatalf("got recorded product %q, want %q", entry.ProductID, caplugin.ProductDVSSL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	rec, err := f.plugin.GetSingleRecord(ctx, res.RequestID)
	if err != nil {
		t.Fatalf("failed to get certificate record: %v", err)
	}
	if rec.Status != caplugin.StatusGenerated || rec.Certificate != res.Certificate {
		t.Fatalf("unexpected certificate record %+v", rec)
	}

	chain, err := f.plugin.CertificateChain(ctx, res.RequestID)
	if err != nil {
		t.Fatalf("failed to get certificate chain: %v", err)
	}
	if len(chain) != 3 || !chain[0].Equal(cert) {
		t.Fatalf("got chain of %d certificates, want end-entity, intermediate and root", len(chain))
	}
}

func TestPluginEnrollTerminal(t *testing.T) {
	t.Parallel()

	f := newTestPlugin(t)

	res, err := f.enroll(t, mockca.TriggerDenied, caplugin.IntentNew, "")
	if err != nil {
		t.Fatalf("got error %v, want a result", err)
	}

	if res.Status != caplugin.StatusFailed || res.Certificate != "" {
		t.Fatalf("got status %v and certificate %q, want failed without certificate", res.Status, res.Certificate)
	}

	if _, found, _ := f.store.Get(context.Background(), res.RequestID); found {
		t.Fatalf("denied order was recorded")
	}
}

func TestPluginEnrollCancelled(t *testing.T) {
	t.Parallel()

	f := newTestPlugin(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*200)
	defer cancel()

	_, err := f.plugin.Enroll(ctx, &caplugin.EnrollInput{
		CSR:               mustMakeCSRPEM(t, mockca.TriggerPending),
		ProductID:         string(caplugin.ProductDVSSL),
		ProductParameters: dvParameters(),
		Intent:            caplugin.IntentNew,
	})
	if !errors.Is(err, caplugin.ErrCancelled) {
		t.Fatalf("got error %v, want %v", err, caplugin.ErrCancelled)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got error %v, want it to wrap %v", err, context.DeadlineExceeded)
	}

	cancelled := f.ca.Cancelled()
	if len(cancelled) != 1 {
		t.Fatalf("got %d cancellations, want 1", len(cancelled))
	}
	if got := f.ca.Status(cancelled[0]); got != caplugin.VendorStatusCanceled {
		t.Fatalf("got status %q, want %q", got, caplugin.VendorStatusCanceled)
	}
}

func TestPluginRenewOrReissue(t *testing.T) {
	t.Parallel()

	var testcases = []struct {
		name    string
		advance func(expiry time.Time) time.Duration
		status  string
		err     error
	}{
		{
			name: "Reissue",
			advance: func(time.Time) time.Duration {
				return 0
			},
			status: caplugin.VendorStatusIssued,
		},
		{
			name: "Renew",
			advance: func(expiry time.Time) time.Duration {
				return time.Until(expiry) - time.Hour*24*20
			},
			status: caplugin.VendorStatusIssued,
		},
		{
			name: "Expired",
			advance: func(expiry time.Time) time.Duration {
				return time.Until(expiry) + time.Hour*24*31
			},
			err: caplugin.ErrEligibilityExpired,
		},
	}

	for _, tc := range testcases {
		var tc = tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newTestPlugin(t)

			first, err := f.enroll(t, "www.example.com", caplugin.IntentNew, "")
			if err != nil {
				t.Fatalf("failed to enroll: %v", err)
			}

			prior := mustParsePEMCertificate(t, first.Certificate)
			f.clock.Advance(tc.advance(prior.NotAfter))

			res, err := f.enroll(t, "www.example.com", caplugin.IntentRenewOrReissue, fmt.Sprintf("%X", prior.SerialNumber))
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("got error %v, want %v", err, tc.err)
				}
				return
			}

			if err != nil {
				t.Fatalf("failed to renew or reissue: %v", err)
			}

			if res.RequestID != first.RequestID {
				t.Fatalf("got request ID %q, want %q", res.RequestID, first.RequestID)
			}
			if res.Status != caplugin.StatusGenerated {
				t.Fatalf("got status %v, want %v", res.Status, caplugin.StatusGenerated)
			}

			next := mustParsePEMCertificate(t, res.Certificate)
			if next.SerialNumber.Cmp(prior.SerialNumber) == 0 {
				t.Fatalf("certificate was not replaced")
			}

			if got := f.ca.Status(res.RequestID); got != tc.status {
				t.Fatalf("got vendor status %q, want %q", got, tc.status)
			}

			// The store now maps the new serial number to the request.
			id, found, err := f.store.RequestIDBySerialNumber(context.Background(), fmt.Sprintf("%X", next.SerialNumber))
			if err != nil || !found || id != first.RequestID {
				t.Fatalf("got (%q, %t, %v), want (%q, true, nil)", id, found, err, first.RequestID)
			}
		})
	}
}

func TestPluginRenewUnknownSerial(t *testing.T) {
	t.Parallel()

	f := newTestPlugin(t)

	_, err := f.enroll(t, "www.example.com", caplugin.IntentRenewOrReissue, "DEADBEEF")
	if !errors.Is(err, caplugin.ErrNotFound) {
		t.Fatalf("got error %v, want %v", err, caplugin.ErrNotFound)
	}
}

func TestPluginRevoke(t *testing.T) {
	t.Parallel()

	f := newTestPlugin(t)

	res, err := f.enroll(t, "www.example.com", caplugin.IntentNew, "")
	if err != nil {
		t.Fatalf("failed to enroll: %v", err)
	}

	serial := fmt.Sprintf("%X", mustParsePEMCertificate(t, res.Certificate).SerialNumber)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if _, err := f.plugin.Revoke(ctx, res.RequestID, serial, 2); !errors.Is(err, caplugin.ErrInvalidArgument) {
		t.Fatalf("got error %v for unsupported reason, want %v", err, caplugin.ErrInvalidArgument)
	}

	status, err := f.plugin.Revoke(ctx, res.RequestID, serial, 4)
	if err != nil {
		t.Fatalf("failed to revoke: %v", err)
	}
	if status != caplugin.StatusRevoked {
		t.Fatalf("got status %v, want %v", status, caplugin.StatusRevoked)
	}

	if got := f.ca.RevokeReason(res.RequestID); got != string(caplugin.RevokeSuperseded) {
		t.Fatalf("got vendor reason %q, want %q", got, caplugin.RevokeSuperseded)
	}

	entry, _, err := f.store.Get(ctx, res.RequestID)
	if err != nil {
		t.Fatalf("failed to get stored certificate: %v", err)
	}
	if entry.Status != int(caplugin.StatusRevoked) || entry.RevokedAt == nil || entry.PEM == "" {
		t.Fatalf("unexpected stored certificate after revocation %+v", entry)
	}
}

func TestPluginSynchronize(t *testing.T) {
	t.Parallel()

	f := newTestPlugin(t)

	var issued []string
	for _, cn := range []string{"a.example.com", "b.example.com"} {
		res, err := f.enroll(t, cn, caplugin.IntentNew, "")
		if err != nil {
			t.Fatalf("failed to enroll: %v", err)
		}
		issued = append(issued, res.RequestID)
	}

	// Leave one order pending.
	client := newTestVendorClient(t, f.url)
	pendingID, err := client.SubmitOrder(context.Background(), newTestOrder(t, mockca.TriggerPending))
	if err != nil {
		t.Fatalf("failed to submit order: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	sink := &memorySink{}
	count, err := f.plugin.Synchronize(ctx, sink, nil, true)
	if err != nil {
		t.Fatalf("failed to synchronize: %v", err)
	}
	if count != 3 || len(sink.records) != 3 {
		t.Fatalf("got %d records, want 3", count)
	}

	for _, id := range issued {
		rec := sink.records[id]
		if rec == nil || rec.Status != caplugin.StatusGenerated || rec.Certificate == "" {
			t.Fatalf("unexpected record for issued certificate %+v", rec)
		}
	}

	if rec := sink.records[pendingID]; rec == nil || rec.Status != caplugin.StatusInProcess || rec.Certificate != "" {
		t.Fatalf("unexpected record for pending order %+v", rec)
	}

	// An incremental synchronization skips certificates completed before
	// the last synchronization.
	since := time.Now().Add(time.Hour)
	sink = &memorySink{}
	count, err = f.plugin.Synchronize(ctx, sink, &since, false)
	if err != nil {
		t.Fatalf("failed to synchronize: %v", err)
	}
	if count != 1 || sink.records[pendingID] == nil {
		t.Fatalf("got %d records, want only the pending order", count)
	}

	// Without a sink the store is used.
	count, err = f.plugin.Synchronize(ctx, nil, nil, true)
	if err != nil || count != 3 {
		t.Fatalf("got (%d, %v), want (3, nil)", count, err)
	}

	if _, found, _ := f.store.Get(ctx, pendingID); !found {
		t.Fatalf("pending order was not synchronized to the store")
	}
}

func TestPluginStates(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	p := caplugin.NewPlugin(caplugin.PluginConfig{Logger: testLogger()})

	if _, err := p.Enroll(ctx, &caplugin.EnrollInput{}); !errors.Is(err, caplugin.ErrNotInitialized) {
		t.Fatalf("got error %v, want %v", err, caplugin.ErrNotInitialized)
	}

	if err := p.Initialize(caplugin.Config{Enabled: true}); !errors.Is(err, caplugin.ErrInvalidArgument) {
		t.Fatalf("got error %v, want %v", err, caplugin.ErrInvalidArgument)
	}

	if err := p.Initialize(caplugin.Config{}); err != nil {
		t.Fatalf("failed to initialize disabled plugin: %v", err)
	}

	var checks = []struct {
		name string
		fn   func() error
	}{
		{name: "Enroll", fn: func() error { _, err := p.Enroll(ctx, &caplugin.EnrollInput{}); return err }},
		{name: "Ping", fn: func() error { return p.Ping(ctx) }},
		{name: "GetSingleRecord", fn: func() error { _, err := p.GetSingleRecord(ctx, "id"); return err }},
		{name: "CertificateChain", fn: func() error { _, err := p.CertificateChain(ctx, "id"); return err }},
		{name: "Revoke", fn: func() error { _, err := p.Revoke(ctx, "id", "", 1); return err }},
		{name: "Synchronize", fn: func() error { _, err := p.Synchronize(ctx, &memorySink{}, nil, true); return err }},
	}

	for _, c := range checks {
		if err := c.fn(); !errors.Is(err, caplugin.ErrGatewayDisabled) {
			t.Errorf("%s: got error %v, want %v", c.name, err, caplugin.ErrGatewayDisabled)
		}
	}

	if got := len(p.ProductIDs()); got != 10 {
		t.Errorf("got %d product IDs, want 10", got)
	}
}

func TestPluginValidate(t *testing.T) {
	t.Parallel()

	_, s := newMockVendor(t)

	p := caplugin.NewPlugin(caplugin.PluginConfig{
		RateLimiter: caplugin.NewRateLimiter(testRPM),
		Logger:      testLogger(),
	})

	props := func(secret string) map[string]interface{} {
		return map[string]interface{}{
			caplugin.ConfigAPIKey:    mockca.APIKey,
			caplugin.ConfigAPISecret: secret,
			caplugin.ConfigBaseURL:   s.URL,
			caplugin.ConfigShopperID: mockca.ShopperID,
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if err := p.ValidateConnection(ctx, props(mockca.APISecret)); err != nil {
		t.Fatalf("failed to validate connection: %v", err)
	}

	if err := p.ValidateConnection(ctx, props("wrong")); err == nil {
		t.Fatalf("validated connection with bad credentials")
	}

	disabled := props("")
	disabled[caplugin.ConfigEnabled] = "false"
	if err := p.ValidateConnection(ctx, disabled); err != nil {
		t.Fatalf("failed to validate disabled connection: %v", err)
	}

	if err := p.ValidateProduct(ctx, "NOT_A_PRODUCT", props(mockca.APISecret)); !errors.Is(err, caplugin.ErrUnsupportedProduct) {
		t.Fatalf("got error %v, want %v", err, caplugin.ErrUnsupportedProduct)
	}

	if err := p.ValidateProduct(ctx, string(caplugin.ProductEVSSL), props(mockca.APISecret)); err != nil {
		t.Fatalf("failed to validate product: %v", err)
	}
}

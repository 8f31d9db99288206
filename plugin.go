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

import (
	"context"
	"crypto/x509"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// DefaultEnrollmentTimeout bounds a single enrollment, including all
// polling of the vendor.
const DefaultEnrollmentTimeout = 600 * time.Second

// PluginConfig contains the dependencies of a Plugin.
type PluginConfig struct {
	// Store is consulted when renewing or reissuing certificates. If it
	// also implements CertificateSink, issued and revoked certificates are
	// recorded in it, and it is the default synchronization sink.
	Store CertificateLookup

	// Vendor, if set, is used instead of a VendorClient built from the
	// connection configuration.
	Vendor VendorAPI

	// HTTPClient is the HTTP client passed to the VendorClient.
	HTTPClient *http.Client

	// RateLimiter, if set, is shared by every VendorClient the plugin
	// builds.
	RateLimiter *RateLimiter

	// EnrollmentTimeout bounds each enrollment. If zero,
	// DefaultEnrollmentTimeout is used.
	EnrollmentTimeout time.Duration

	// PollInterval is the delay between vendor status polls. If zero,
	// DefaultPollInterval is used.
	PollInterval time.Duration

	// Logger is an optional logger.
	Logger Logger

	// Now returns the current time. If nil, time.Now is used.
	Now func() time.Time
}

// Plugin is a gateway between a certificate management host and the
// vendor. It must be initialized with a connection configuration before
// use. A Plugin is safe for concurrent use.
type Plugin struct {
	mu          sync.RWMutex
	initialized bool
	cfg         Config
	vendor      VendorAPI

	deps   PluginConfig
	logger Logger
}

// NewPlugin returns an uninitialized Plugin.
func NewPlugin(deps PluginConfig) *Plugin {
	if deps.EnrollmentTimeout <= 0 {
		deps.EnrollmentTimeout = DefaultEnrollmentTimeout
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Plugin{
		deps:   deps,
		logger: loggerOrNOP(deps.Logger),
	}
}

// Initialize configures the plugin. A disabled configuration is accepted
// without connection details.
func (p *Plugin) Initialize(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	var vendor VendorAPI
	if cfg.Enabled {
		var err error
		if vendor, err = p.newVendor(cfg); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.cfg = cfg
	p.vendor = vendor
	p.initialized = true
	p.mu.Unlock()

	p.logger.Infow("plugin initialized", "Enabled", cfg.Enabled, "Base URL", cfg.BaseURL)

	return nil
}

// newVendor returns the vendor for a connection configuration.
func (p *Plugin) newVendor(cfg Config) (VendorAPI, error) {
	if p.deps.Vendor != nil {
		return p.deps.Vendor, nil
	}

	opts := []VendorOption{WithLogger(p.logger)}
	if p.deps.HTTPClient != nil {
		opts = append(opts, WithHTTPClient(p.deps.HTTPClient))
	}
	if p.deps.RateLimiter != nil {
		opts = append(opts, WithRateLimiter(p.deps.RateLimiter))
	}

	return NewVendorClient(cfg, opts...)
}

// active returns the vendor if the plugin is initialized and enabled.
func (p *Plugin) active() (VendorAPI, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.initialized {
		return nil, fmt.Errorf("%w: call Initialize first", ErrNotInitialized)
	}

	if !p.cfg.Enabled {
		return nil, ErrGatewayDisabled
	}

	return p.vendor, nil
}

// ValidateConnection checks a candidate connection property bag by pinging
// the vendor with it. Disabled configurations are not checked.
func (p *Plugin) ValidateConnection(ctx context.Context, props map[string]interface{}) error {
	cfg, err := ConfigFromProperties(props)
	if err != nil {
		return err
	}

	if !cfg.Enabled {
		p.logger.Infow("gateway is disabled, skipping connection validation")
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	vendor, err := p.newVendor(cfg)
	if err != nil {
		return err
	}

	p.logger.Debugw("pinging vendor API to validate connection", "Base URL", cfg.BaseURL)

	return vendor.Ping(ctx)
}

// ValidateProduct checks that productID is supported and that the
// connection property bag is valid.
func (p *Plugin) ValidateProduct(ctx context.Context, productID string, props map[string]interface{}) error {
	if ProductType(productID).Class() == 0 {
		return fmt.Errorf("%w: %q", ErrUnsupportedProduct, productID)
	}

	return p.ValidateConnection(ctx, props)
}

// Ping checks connectivity to the vendor with the active configuration.
func (p *Plugin) Ping(ctx context.Context) error {
	vendor, err := p.active()
	if err != nil {
		return err
	}

	return vendor.Ping(ctx)
}

// ConnectorAnnotations describes the connection properties.
func (p *Plugin) ConnectorAnnotations() map[string]PropertyConfigInfo {
	return ConnectorAnnotations()
}

// TemplateParameterAnnotations describes the product parameters.
func (p *Plugin) TemplateParameterAnnotations() map[string]PropertyConfigInfo {
	return TemplateParameterAnnotations()
}

// ProductIDs returns the supported product IDs.
func (p *Plugin) ProductIDs() []string {
	return ProductIDs()
}

// Enroll builds an enrollment request from in, resolves the strategy which
// serves it and executes that strategy within the enrollment timeout. An
// issued certificate is recorded in the store if it accepts records.
func (p *Plugin) Enroll(ctx context.Context, in *EnrollInput) (*EnrollmentResult, error) {
	vendor, err := p.active()
	if err != nil {
		return nil, err
	}

	req, err := BuildEnrollmentRequest(in)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.deps.EnrollmentTimeout)
	defer cancel()

	resolver := &Resolver{
		CA:           vendor,
		Lookup:       p.deps.Store,
		Logger:       p.logger,
		Now:          p.deps.Now,
		PollInterval: p.deps.PollInterval,
	}

	strategy, err := resolver.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	p.logger.Infow("enrolling certificate",
		"Strategy", strategy.Name(),
		"Product ID", string(req.ProductType),
		"Common Name", req.CommonName,
	)

	res, err := strategy.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	if res.Certificate != "" {
		p.record(ctx, &CertificateRecord{
			RequestID:   res.RequestID,
			Certificate: res.Certificate,
			Status:      res.Status,
			ProductID:   string(req.ProductType),
		})
	}

	return res, nil
}

// GetSingleRecord returns the certificate with the given request ID.
func (p *Plugin) GetSingleRecord(ctx context.Context, requestID string) (*CertificateRecord, error) {
	vendor, err := p.active()
	if err != nil {
		return nil, err
	}

	if requestID == "" {
		return nil, fmt.Errorf("%w: request ID is required", ErrInvalidArgument)
	}

	p.logger.Debugw("getting certificate", "Request ID", requestID)

	return vendor.DownloadCertificate(ctx, requestID)
}

// CertificateChain returns the certificate with the given request ID
// followed by its issuing chain, as reported by the vendor.
func (p *Plugin) CertificateChain(ctx context.Context, requestID string) ([]*x509.Certificate, error) {
	vendor, err := p.active()
	if err != nil {
		return nil, err
	}

	bundle, err := vendor.DownloadCertificateBundle(ctx, requestID)
	if err != nil {
		return nil, err
	}

	certs, err := decodePEMCertificates(
		bundle.PEMs.Certificate,
		bundle.PEMs.Intermediate,
		bundle.PEMs.Cross,
		bundle.PEMs.Root,
	)
	if err != nil {
		return nil, fmt.Errorf("invalid certificate bundle for %s: %w", requestID, err)
	}

	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: no certificates for request ID %s", ErrNotFound, requestID)
	}

	return certs, nil
}

// Revoke revokes the certificate with the given request ID, for the given
// RFC 5280 reason code, and returns the resulting status.
func (p *Plugin) Revoke(ctx context.Context, requestID, hexSerialNumber string, reasonCode uint) (EndEntityStatus, error) {
	vendor, err := p.active()
	if err != nil {
		return StatusFailed, err
	}

	if requestID == "" {
		return StatusFailed, fmt.Errorf("%w: request ID is required", ErrInvalidArgument)
	}

	reason, err := RevokeReasonFromCode(reasonCode)
	if err != nil {
		return StatusFailed, err
	}

	if err := vendor.RevokeCertificate(ctx, requestID, reason); err != nil {
		return StatusFailed, err
	}

	p.logger.Infow("revoked certificate",
		"Request ID", requestID,
		"Serial Number", hexSerialNumber,
		"Reason", string(reason),
	)

	now := p.deps.Now().UTC()
	p.record(ctx, &CertificateRecord{
		RequestID:      requestID,
		Status:         StatusRevoked,
		RevocationDate: &now,
	})

	return StatusRevoked, nil
}

// sink returns the store if it accepts records.
func (p *Plugin) sink() CertificateSink {
	sink, _ := p.deps.Store.(CertificateSink)
	return sink
}

// record saves rec in the store, if any. Failures are logged, since the
// vendor operation has already succeeded.
func (p *Plugin) record(ctx context.Context, rec *CertificateRecord) {
	sink := p.sink()
	if sink == nil {
		return
	}

	if err := sink.Save(ctx, rec); err != nil {
		p.logger.Errorw("failed to record certificate",
			"Request ID", rec.RequestID,
			logFieldError, err.Error(),
		)
	}
}

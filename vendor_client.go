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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Keyfactor/godaddy-caplugin/internal/metrics"
)

// Vendor client constants.
const (
	defaultVendorTimeout = 60 * time.Second
	defaultRetryDelay    = 500 * time.Millisecond
	maxRetryDelay        = 10 * time.Second
	retriesPerOperation  = 3
	syncPageSize         = 50
)

// VendorClient is a client for the vendor certificate REST API. Every
// attempt of every operation passes through the client's RateLimiter, and
// operations failing with a transient error are retried. A VendorClient is
// safe for concurrent use.
type VendorClient struct {
	baseURL    *url.URL
	apiKey     string
	apiSecret  string
	shopperID  string
	httpClient *http.Client
	limiter    *RateLimiter
	logger     Logger
	retries    int
	retryDelay time.Duration

	customerMu sync.Mutex
	customerID string
}

// VendorOption configures a VendorClient.
type VendorOption func(*VendorClient)

// WithHTTPClient sets the HTTP client used for vendor requests.
func WithHTTPClient(hc *http.Client) VendorOption {
	return func(c *VendorClient) {
		c.httpClient = hc
	}
}

// WithRateLimiter sets the rate limiter shared by all operations of the
// client.
func WithRateLimiter(l *RateLimiter) VendorOption {
	return func(c *VendorClient) {
		c.limiter = l
	}
}

// WithLogger sets the client logger.
func WithLogger(logger Logger) VendorOption {
	return func(c *VendorClient) {
		c.logger = logger
	}
}

// NewVendorClient returns a client for the vendor API described by cfg.
func NewVendorClient(cfg Config, opts ...VendorOption) (*VendorClient, error) {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}

	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base URL %q: %v", ErrInvalidArgument, base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: base URL %q must be http or https", ErrInvalidArgument, base)
	}

	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("%w: API key and secret are required", ErrInvalidArgument)
	}

	c := &VendorClient{
		baseURL:    u,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		shopperID:  cfg.ShopperID,
		retries:    retriesPerOperation,
		retryDelay: defaultRetryDelay,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultVendorTimeout}
	}
	if c.limiter == nil {
		c.limiter = NewRateLimiter(cfg.RequestsPerMinute)
	}
	c.logger = loggerOrNOP(c.logger)

	return c, nil
}

// Ping validates the connection by retrieving the configured shopper, and
// caches the customer ID as a side effect.
func (c *VendorClient) Ping(ctx context.Context) error {
	id, err := c.fetchCustomerID(ctx)
	if err != nil {
		return err
	}

	c.logger.Debugw("connected to vendor API", "Shopper ID", c.shopperID, "Customer ID", id)

	return nil
}

// SubmitOrder places an order for a new certificate.
func (c *VendorClient) SubmitOrder(ctx context.Context, order *CertificateOrderRequest) (string, error) {
	var resp CertificateOrderResponse
	if err := c.do(ctx, "order", http.MethodPost, vendorCertificatesPath, nil, order, &resp, http.StatusAccepted); err != nil {
		return "", err
	}

	return resp.CertificateID, nil
}

// SubmitRenewal requests renewal of a certificate.
func (c *VendorClient) SubmitRenewal(ctx context.Context, certificateID string, order *RenewCertificateRequest) (string, error) {
	var resp CertificateOrderResponse
	if err := c.do(ctx, "renew", http.MethodPost, certificatePath(certificateID, "renew"), nil, order, &resp, http.StatusAccepted); err != nil {
		return "", err
	}

	return resp.CertificateID, nil
}

// SubmitReissue requests reissuance of a certificate.
func (c *VendorClient) SubmitReissue(ctx context.Context, certificateID string, order *ReissueCertificateRequest) (string, error) {
	var resp CertificateOrderResponse
	if err := c.do(ctx, "reissue", http.MethodPost, certificatePath(certificateID, "reissue"), nil, order, &resp, http.StatusAccepted); err != nil {
		return "", err
	}

	return resp.CertificateID, nil
}

// CertificateDetails returns the details of a certificate.
func (c *VendorClient) CertificateDetails(ctx context.Context, certificateID string) (*CertificateDetails, error) {
	var details CertificateDetails
	if err := c.do(ctx, "details", http.MethodGet, certificatePath(certificateID, ""), nil, nil, &details, http.StatusOK); err != nil {
		return nil, err
	}

	c.logger.Debugw("retrieved certificate details",
		"Certificate ID", certificateID,
		"Vendor Status", details.Status,
		"Product Type", details.ProductType,
	)

	return &details, nil
}

// DownloadCertificateBundle downloads a certificate and its chain.
func (c *VendorClient) DownloadCertificateBundle(ctx context.Context, certificateID string) (*DownloadCertificateResponse, error) {
	var resp DownloadCertificateResponse
	if err := c.do(ctx, "download", http.MethodGet, certificatePath(certificateID, "download"), nil, nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}

	return &resp, nil
}

// DownloadCertificatePEM downloads the PEM-encoded end-entity certificate.
func (c *VendorClient) DownloadCertificatePEM(ctx context.Context, certificateID string) (string, error) {
	resp, err := c.DownloadCertificateBundle(ctx, certificateID)
	if err != nil {
		return "", err
	}

	certs, err := decodePEMCertificates(resp.PEMs.Certificate)
	if err != nil {
		return "", err
	}

	if len(certs) == 0 {
		return "", fmt.Errorf("%w: vendor returned no certificate for %s", ErrInvalidState, certificateID)
	}

	return encodePEMCertificate(certs[0]), nil
}

// DownloadCertificate downloads a certificate together with its current
// status.
func (c *VendorClient) DownloadCertificate(ctx context.Context, certificateID string) (*CertificateRecord, error) {
	bundle, err := c.DownloadCertificateBundle(ctx, certificateID)
	if err != nil {
		return nil, err
	}

	details, err := c.CertificateDetails(ctx, certificateID)
	if err != nil {
		return nil, err
	}

	rec := &CertificateRecord{
		RequestID:   details.CertificateID,
		Certificate: bundle.PEMs.Certificate,
		Status:      MapVendorStatus(details.Status),
		ProductID:   details.ProductType,
	}
	if rec.RequestID == "" {
		rec.RequestID = certificateID
	}
	if t, ok := details.RevokedAtTime(); ok {
		rec.RevocationDate = &t
	}

	return rec, nil
}

// RevokeCertificate revokes a certificate.
func (c *VendorClient) RevokeCertificate(ctx context.Context, certificateID string, reason RevokeReason) error {
	c.logger.Debugw("revoking certificate", "Certificate ID", certificateID, "Reason", string(reason))

	body := &RevokeCertificateRequest{Reason: string(reason)}

	return c.do(ctx, "revoke", http.MethodPost, certificatePath(certificateID, "revoke"), nil, body, nil, http.StatusNoContent)
}

// CancelOrder cancels an outstanding certificate order.
func (c *VendorClient) CancelOrder(ctx context.Context, certificateID string) error {
	c.logger.Debugw("cancelling certificate order", "Certificate ID", certificateID)

	if err := c.do(ctx, "cancel", http.MethodPost, certificatePath(certificateID, "cancel"), nil, nil, nil,
		http.StatusOK, http.StatusNoContent); err != nil {
		return err
	}

	c.logger.Debugw("cancelled certificate order", "Certificate ID", certificateID)

	return nil
}

// ListCertificates returns one page of the customer's certificates. Pages
// are numbered from 1. If limit is not positive the default page size is
// used.
func (c *VendorClient) ListCertificates(ctx context.Context, page, limit int) (*CustomerCertificatesResponse, error) {
	customerID, err := c.customer(ctx)
	if err != nil {
		return nil, err
	}

	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = syncPageSize
	}

	query := url.Values{}
	query.Set("offset", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))

	var resp CustomerCertificatesResponse
	path := fmt.Sprintf(vendorCustomerCertsPathFmt, customerID)
	if err := c.do(ctx, "list", http.MethodGet, path, query, nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}

	return &resp, nil
}

// customer returns the cached customer ID, retrieving it if necessary.
func (c *VendorClient) customer(ctx context.Context) (string, error) {
	c.customerMu.Lock()
	id := c.customerID
	c.customerMu.Unlock()

	if id != "" {
		return id, nil
	}

	return c.fetchCustomerID(ctx)
}

// fetchCustomerID retrieves the customer ID of the configured shopper and
// caches it.
func (c *VendorClient) fetchCustomerID(ctx context.Context) (string, error) {
	if c.shopperID == "" {
		return "", fmt.Errorf("%w: shopper ID is required", ErrInvalidArgument)
	}

	query := url.Values{}
	query.Set("includes", "customerId")

	var shopper ShopperDetails
	path := fmt.Sprintf(vendorShopperPathFmt, c.shopperID)
	if err := c.do(ctx, "shopper", http.MethodGet, path, query, nil, &shopper, http.StatusOK); err != nil {
		return "", err
	}

	if shopper.CustomerID == "" {
		return "", fmt.Errorf("%w: vendor returned no customer ID for shopper %s", ErrInvalidState, c.shopperID)
	}

	c.customerMu.Lock()
	c.customerID = shopper.CustomerID
	c.customerMu.Unlock()

	return shopper.CustomerID, nil
}

// certificatePath returns the unescaped vendor path of a certificate
// resource, with an optional action suffix.
func certificatePath(certificateID, action string) string {
	p := vendorCertificatesPath + "/" + certificateID
	if action != "" {
		p += "/" + action
	}

	return p
}

// do performs a vendor API operation, retrying transient failures. The
// response body is decoded into out if out is non-nil and a body is
// present. A rate limiter lock timeout is returned immediately.
func (c *VendorClient) do(
	ctx context.Context,
	op, method, path string,
	query url.Values,
	in interface{},
	out interface{},
	expect ...int,
) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
	}

	reqID := uuid.NewString()
	logger := c.logger.With("Operation", op, "Vendor Request ID", reqID)

	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			logger.Infow("retrying vendor request",
				"Attempt", attempt+1,
				"Max Attempts", c.retries,
				logFieldError, lastErr.Error(),
			)

			if err := sleepContext(ctx, c.retryDelayFor(attempt, lastErr)); err != nil {
				return err
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		err := c.attempt(ctx, op, method, path, query, body, reqID, out, expect)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return err
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			logger.Errorw("vendor request failed", logFieldError, err.Error())
			return err
		}

		lastErr = err
	}

	logger.Errorw("vendor request failed after retries", logFieldError, lastErr.Error())

	return fmt.Errorf("%s %s failed after %d attempts: %w", method, path, c.retries, lastErr)
}

// attempt performs a single HTTP request.
func (c *VendorClient) attempt(
	ctx context.Context,
	op, method, path string,
	query url.Values,
	body []byte,
	reqID string,
	out interface{},
	expect []int,
) error {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to make new HTTP request: %w", err)
	}

	req.Header.Set(authorizationHeader, fmt.Sprintf("sso-key %s:%s", c.apiKey, c.apiSecret))
	req.Header.Set(acceptHeader, mimeTypeJSON)
	req.Header.Set(userAgentHeader, userAgent)
	req.Header.Set(requestIDHeader, reqID)
	if body != nil {
		req.Header.Set(contentTypeHeader, mimeTypeJSON)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.VendorRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.VendorRequestsTotal.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer consumeAndClose(resp.Body)

	metrics.VendorRequestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read HTTP response body: %w", err)
	}

	for _, code := range expect {
		if resp.StatusCode != code {
			continue
		}

		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}

		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", op, err)
		}

		return nil
	}

	return newAPIError(method, path, resp, data)
}

// newAPIError builds an APIError from an unexpected vendor response.
func newAPIError(method, path string, resp *http.Response, data []byte) *APIError {
	apiErr := &APIError{
		Method: method,
		Path:   path,
		Status: resp.StatusCode,
	}

	var body errorResponse
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
		apiErr.Fields = body.Fields
	} else if len(data) > 0 {
		apiErr.Message = strings.TrimSpace(string(data))
	}

	if secs := resp.Header.Get(retryAfterHeader); secs != "" {
		if n, err := strconv.Atoi(secs); err == nil && n > 0 {
			apiErr.retryAfter = n
		} else if t, err := parseHTTPTime(secs); err == nil {
			if d := time.Until(t); d > 0 {
				apiErr.retryAfter = int(d.Seconds())
			}
		}
	}

	return apiErr
}

// retryDelayFor returns the delay before the given attempt, honouring any
// Retry-After value sent with a rate limited response.
func (c *VendorClient) retryDelayFor(attempt int, lastErr error) time.Duration {
	var apiErr *APIError
	if errors.As(lastErr, &apiErr) && apiErr.retryAfter > 0 {
		if d := time.Duration(apiErr.retryAfter) * time.Second; d < maxRetryDelay {
			return d
		}
		return maxRetryDelay
	}

	d := c.retryDelay << (attempt - 1)
	if d > maxRetryDelay {
		d = maxRetryDelay
	}

	return d
}

// sleepContext sleeps for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

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
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a client for the gateway server.
//
// All client operations will return an error object implementing Error
// when the gateway server returns an unexpected status. The status code,
// description and, if applicable, retry-after seconds can be extracted from
// that object.
type Client struct {
	// Host is the host:port of the gateway server excluding any URL path
	// component, e.g. gateway.example.com:8443
	Host string

	// RootCAs is the optional set of trust anchors used to verify the
	// gateway server certificate. If nil, the system certificate pool will
	// be used.
	RootCAs *x509.CertPool

	// AdditionalHeaders are additional HTTP headers to include with the
	// request to the gateway server.
	AdditionalHeaders map[string]string

	// HostHeader overrides the default Host header for the HTTP request to
	// the gateway server, and is mostly useful for testing.
	HostHeader string

	// Username is an optional HTTP Basic Authentication username.
	Username string

	// Password is an optional HTTP Basic Authentication password.
	Password string

	// DisableKeepAlives disables HTTP keep-alives if set.
	DisableKeepAlives bool

	// InsecureSkipVerify controls whether the client verifies the gateway
	// server's certificate chain and host name. This should be used only
	// for testing.
	InsecureSkipVerify bool
}

// Healthcheck checks that the gateway server is serving requests.
func (c *Client) Healthcheck(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, healthCheckEndpoint, nil, nil, http.StatusOK)
}

// Ping checks that the gateway server can reach the vendor.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, apiPathPrefix+pingEndpoint, nil, nil, http.StatusNoContent)
}

// Products returns the supported product IDs.
func (c *Client) Products(ctx context.Context) ([]string, error) {
	var ids []string
	if err := c.call(ctx, http.MethodGet, apiPathPrefix+productsEndpoint, nil, &ids, http.StatusOK); err != nil {
		return nil, err
	}

	return ids, nil
}

// Annotations returns the connection and product parameter annotations.
func (c *Client) Annotations(ctx context.Context) (*AnnotationsResponse, error) {
	var resp AnnotationsResponse
	if err := c.call(ctx, http.MethodGet, apiPathPrefix+annotationsEndpoint, nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Enroll requests a new, renewed or reissued certificate.
func (c *Client) Enroll(ctx context.Context, in *EnrollInput) (*EnrollmentResult, error) {
	var res EnrollmentResult
	if err := c.call(ctx, http.MethodPost, apiPathPrefix+enrollEndpoint, in, &res, http.StatusOK); err != nil {
		return nil, err
	}

	return &res, nil
}

// Record returns the certificate with the given request ID.
func (c *Client) Record(ctx context.Context, requestID string) (*CertificateRecord, error) {
	var rec CertificateRecord
	if err := c.call(ctx, http.MethodGet, certificateEndpoint(requestID, ""), nil, &rec, http.StatusOK); err != nil {
		return nil, err
	}

	return &rec, nil
}

// Chain returns the certificate with the given request ID followed by its
// issuing chain.
func (c *Client) Chain(ctx context.Context, requestID string) ([]*x509.Certificate, error) {
	req, err := c.newRequest(ctx, http.MethodGet, certificateEndpoint(requestID, chainSuffix), "", mimeTypePKCS7, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.makeHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer consumeAndClose(resp.Body)

	if err := checkResponseError(resp, http.StatusOK); err != nil {
		return nil, err
	}

	if err := verifyResponseType(resp, mimeTypePKCS7); err != nil {
		return nil, err
	}

	return readCertsResponse(resp.Body)
}

// Revoke revokes the certificate with the given request ID for the given
// RFC 5280 reason code.
func (c *Client) Revoke(ctx context.Context, requestID, serialNumber string, reason uint) (*RevokeResponse, error) {
	body := &RevokeRequest{SerialNumber: serialNumber, Reason: reason}

	var resp RevokeResponse
	if err := c.call(ctx, http.MethodPost, certificateEndpoint(requestID, revokeSuffix), body, &resp, http.StatusOK); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Synchronize asks the gateway server to synchronize its certificate store
// with the vendor.
func (c *Client) Synchronize(ctx context.Context, lastSync *time.Time, fullSync bool) (*SyncResponse, error) {
	body := &SyncRequest{LastSync: lastSync, FullSync: fullSync}

	var resp SyncResponse
	if err := c.call(ctx, http.MethodPost, apiPathPrefix+syncEndpoint, body, &resp, http.StatusOK); err != nil {
		return nil, err
	}

	return &resp, nil
}

// certificateEndpoint returns the endpoint of a certificate resource.
func certificateEndpoint(requestID, suffix string) string {
	return apiPathPrefix + certificatesRoute + "/" + url.PathEscape(requestID) + suffix
}

// call performs a JSON request and decodes the JSON response into out, if
// out is not nil.
func (c *Client) call(ctx context.Context, method, endpoint string, in, out interface{}, expect int) error {
	var body io.Reader
	var contentType string
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
		contentType = mimeTypeJSON
	}

	req, err := c.newRequest(ctx, method, endpoint, contentType, mimeTypeJSON, body)
	if err != nil {
		return err
	}

	resp, err := c.makeHTTPClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer consumeAndClose(resp.Body)

	if err := checkResponseError(resp, expect); err != nil {
		return err
	}

	if out == nil {
		return nil
	}

	if err := verifyResponseType(resp, mimeTypeJSON); err != nil {
		return err
	}

	return readJSONResponse(resp.Body, out)
}

// newRequest builds an HTTP request for a gateway operation.
func (c *Client) newRequest(
	ctx context.Context,
	method, endpoint string,
	contentType string,
	accepts string,
	body io.Reader,
) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.uri(endpoint), body)
	if err != nil {
		return nil, fmt.Errorf("failed to make new HTTP request: %w", err)
	}

	req.Close = c.DisableKeepAlives
	req.Header.Set(userAgentHeader, userAgent)
	if accepts != "" {
		req.Header.Set(acceptHeader, accepts)
	}
	if contentType != "" {
		req.Header.Set(contentTypeHeader, contentType)
	}

	if c.HostHeader != "" {
		req.Host = c.HostHeader
	}

	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}

	for k, v := range c.AdditionalHeaders {
		req.Header.Add(k, v)
	}

	return req, nil
}

// checkResponseError returns nil if the HTTP response status code is as
// expected, otherwise it returns an error object implementing Error.
func checkResponseError(r *http.Response, expect int) error {
	if r.StatusCode == expect {
		return nil
	}

	// Attempt to extract human-readable error message from the HTTP
	// response body, if the content type permits or if it is not set.
	var msg string
	mediaType, _, err := mime.ParseMediaType(r.Header.Get(contentTypeHeader))
	if err == nil || r.Header.Get(contentTypeHeader) == "" {
		switch mediaType {
		case "", mimeTypeTextPlain, mimeTypeJSON, mimeTypeProblemJSON:
			data, err := io.ReadAll(r.Body)
			if err != nil {
				return err
			}

			msg = strings.TrimSpace(string(data))
		}
	}

	if msg == "" {
		msg = http.StatusText(r.StatusCode)
	}

	// Parse Retry-After header if present. Per RFC7231 7.1.3, the value
	// of a Retry-After header may be either an HTTP-date or a number of
	// seconds to delay after the response is received.
	var retryAfter int
	if secs := r.Header.Get(retryAfterHeader); secs != "" {
		retryAfter, err = strconv.Atoi(secs)
		if err != nil {
			if t, err := parseHTTPTime(secs); err == nil {
				retryAfter = int(time.Until(t).Seconds())
			}
		}

		if retryAfter < 0 {
			retryAfter = 0
		}
	}

	return &pluginError{
		status:     r.StatusCode,
		desc:       msg,
		retryAfter: retryAfter,
	}
}

// uri builds a gateway URI for the specified endpoint.
func (c *Client) uri(endpoint string) string {
	return "https://" + c.Host + endpoint
}

// makeHTTPClient makes and configures an HTTP client for connecting to a
// gateway server.
func (c *Client) makeHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs:            c.RootCAs,
				InsecureSkipVerify: c.InsecureSkipVerify,
			},
			DisableKeepAlives: c.DisableKeepAlives,
		},
	}
}

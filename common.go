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
	"io"
)

// Gateway URI constants.
const (
	annotationsEndpoint = "/annotations"
	apiPathPrefix       = "/v1"
	certificatesRoute   = "/certificates"
	chainSuffix         = "/chain"
	enrollEndpoint      = "/enroll"
	healthCheckEndpoint = "/healthcheck"
	metricsEndpoint     = "/metrics"
	pingEndpoint        = "/ping"
	productsEndpoint    = "/products"
	revokeSuffix        = "/revoke"
	syncEndpoint        = "/sync"
)

// Vendor URI constants.
const (
	vendorCertificatesPath     = "/v1/certificates"
	vendorCustomerCertsPathFmt = "/v2/customers/%s/certificates"
	vendorShopperPathFmt       = "/v1/shoppers/%s"
)

// HTTP header and MIME type constants.
const (
	acceptHeader             = "Accept"
	authorizationHeader      = "Authorization"
	contentTypeHeader        = "Content-Type"
	contentTypeOptionsHeader = "X-Content-Type-Options"
	encodingTypeBase64       = "base64"
	mimeTypeJSON             = "application/json"
	mimeTypePKCS7            = "application/pkcs7-mime"
	mimeTypePKCS7CertsOnly   = "application/pkcs7-mime; smime-type=certs-only"
	mimeTypeProblemJSON      = "application/problem+json"
	mimeTypeTextPlain        = "text/plain"
	mimeTypeTextPlainUTF8    = "text/plain; charset=utf-8"
	requestIDHeader          = "X-Request-Id"
	retryAfterHeader         = "Retry-After"
	serverHeader             = "Server"
	strictTransportHeader    = "Strict-Transport-Security"
	transferEncodingHeader   = "Content-Transfer-Encoding"
	userAgentHeader          = "User-Agent"
	wwwAuthenticateHeader    = "WWW-Authenticate"
)

// Version constants.
const (
	pluginVersion = "v1.0.0"
	userAgent     = "GoDaddy CA Plugin " + pluginVersion + " github.com/Keyfactor/godaddy-caplugin"
)

// consumeAndClose discards any remaining data in the io.ReadCloser and then
// closes it.
func consumeAndClose(rc io.ReadCloser) {
	io.Copy(io.Discard, rc)
	rc.Close()
}

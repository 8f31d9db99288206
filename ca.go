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
	"time"
)

// RemoteCA is the certificate vendor as seen by the enrollment strategies.
// All operations may fail with transient or permanent errors. Retry policy,
// if any, belongs to the implementation and not to the caller.
type RemoteCA interface {
	// SubmitOrder places an order for a new certificate and returns the
	// vendor-assigned certificate identifier.
	SubmitOrder(ctx context.Context, order *CertificateOrderRequest) (string, error)

	// SubmitRenewal requests renewal of an existing certificate. The returned
	// identifier is empty if the vendor did not assign a new one.
	SubmitRenewal(ctx context.Context, certificateID string, order *RenewCertificateRequest) (string, error)

	// SubmitReissue requests reissuance of an existing certificate. The
	// returned identifier is empty if the vendor did not assign a new one.
	SubmitReissue(ctx context.Context, certificateID string, order *ReissueCertificateRequest) (string, error)

	// CertificateDetails returns the current vendor view of a certificate.
	CertificateDetails(ctx context.Context, certificateID string) (*CertificateDetails, error)

	// DownloadCertificatePEM returns the PEM-encoded end-entity certificate.
	DownloadCertificatePEM(ctx context.Context, certificateID string) (string, error)

	// CancelOrder cancels an outstanding order.
	CancelOrder(ctx context.Context, certificateID string) error
}

// VendorAPI is the full set of vendor operations used by the Plugin.
type VendorAPI interface {
	RemoteCA

	// Ping validates the connection and the configured credentials.
	Ping(ctx context.Context) error

	// DownloadCertificate returns the issued certificate together with its
	// current status.
	DownloadCertificate(ctx context.Context, certificateID string) (*CertificateRecord, error)

	// DownloadCertificateBundle returns the end-entity certificate and its
	// issuing chain.
	DownloadCertificateBundle(ctx context.Context, certificateID string) (*DownloadCertificateResponse, error)

	// RevokeCertificate revokes an issued certificate.
	RevokeCertificate(ctx context.Context, certificateID string, reason RevokeReason) error

	// ListCertificates returns one page of the certificates owned by the
	// configured customer. Pages are numbered from 1.
	ListCertificates(ctx context.Context, page, limit int) (*CustomerCertificatesResponse, error)
}

// CertificateLookup answers questions about certificates the host already
// knows about. It is consulted before renewing or reissuing a certificate.
type CertificateLookup interface {
	// RequestIDBySerialNumber returns the vendor request identifier for the
	// certificate with the given hex serial number. The boolean is false if
	// no such certificate is known.
	RequestIDBySerialNumber(ctx context.Context, serial string) (string, bool, error)

	// ExpirationByRequestID returns the expiry time of the certificate with
	// the given vendor request identifier. The boolean is false if the
	// expiry is not known locally.
	ExpirationByRequestID(ctx context.Context, requestID string) (time.Time, bool, error)
}

// CertificateSink receives certificate records produced by enrollment and
// synchronization.
type CertificateSink interface {
	Save(ctx context.Context, rec *CertificateRecord) error
}

// Error is an error with an associated HTTP status code. Any error returned
// by the Plugin which implements Error will be used by the gateway server to
// determine the HTTP response code, human-readable error description, and
// Retry-After header value, if applicable. Any other error will be treated
// as an internal server error.
type Error interface {
	// StatusCode returns the HTTP status code.
	StatusCode() int

	// Error returns a human-readable description of the error.
	Error() string

	// RetryAfter returns the value in seconds after which the client should
	// retry the request.
	RetryAfter() int
}

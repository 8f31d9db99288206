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
	"fmt"
	"time"
)

// Renewal eligibility window, relative to the expiry of the certificate
// being renewed.
const (
	renewalWindowOpensDays  = 60
	renewalWindowClosesDays = 30
)

// Resolver decides which enrollment strategy serves a request.
type Resolver struct {
	// CA is consulted for the validity end of the prior certificate when
	// Lookup does not know it.
	CA RemoteCA

	// Lookup maps prior certificate serial numbers to vendor request
	// identifiers and expiry times.
	Lookup CertificateLookup

	// Logger is an optional logger.
	Logger Logger

	// Now returns the current time. If nil, time.Now is used.
	Now func() time.Time

	// PollInterval is passed to the resolved strategy.
	PollInterval time.Duration
}

// RenewalWindow returns the interval during which a certificate expiring at
// expiry may be renewed.
func RenewalWindow(expiry time.Time) (start, end time.Time) {
	expiry = expiry.UTC()
	return expiry.AddDate(0, 0, -renewalWindowOpensDays), expiry.AddDate(0, 0, renewalWindowClosesDays)
}

// Resolve returns the strategy for req. New enrollments are resolved
// without any lookups. Requests to renew or reissue are resolved to a
// renewal if the current time falls inside the renewal window of the prior
// certificate, and to a reissue if the window has not yet opened.
func (r *Resolver) Resolve(ctx context.Context, req *EnrollmentRequest) (Strategy, error) {
	logger := loggerOrNOP(r.Logger)

	switch req.Intent {
	case IntentNew:
		if err := req.Validate(); err != nil {
			return nil, err
		}
		return &NewEnrollment{CA: r.CA, Logger: logger, PollInterval: r.PollInterval}, nil

	case IntentRenewOrReissue:
		if req.PriorSerialNumber == "" {
			return nil, fmt.Errorf("%w: prior certificate serial number is required to renew or reissue", ErrInvalidArgument)
		}

	default:
		return nil, fmt.Errorf("%w: unknown enrollment intent %v", ErrInvalidArgument, req.Intent)
	}

	if r.Lookup == nil {
		return nil, fmt.Errorf("%w: no certificate lookup configured", ErrInvalidState)
	}

	requestID, ok, err := r.Lookup.RequestIDBySerialNumber(ctx, req.PriorSerialNumber)
	if err != nil {
		return nil, wrapFailure(ctx, err, "failed to look up certificate with serial number %s", req.PriorSerialNumber)
	}
	if !ok || requestID == "" {
		return nil, fmt.Errorf("%w: no request ID for certificate with serial number %s", ErrNotFound, req.PriorSerialNumber)
	}

	expiry, err := r.expiry(ctx, requestID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if r.Now != nil {
		now = r.Now().UTC()
	}

	start, end := RenewalWindow(expiry)

	logger.Debugw("resolving renewal eligibility",
		"Request ID", requestID,
		"Expiry", expiry,
		"Window Start", start,
		"Window End", end,
	)

	switch {
	case now.Before(start):
		logger.Infow("certificate is not yet eligible for renewal, reissuing", "Request ID", requestID)
		return &Reissue{CA: r.CA, CertificateID: requestID, Logger: logger, PollInterval: r.PollInterval}, nil

	case now.After(end):
		return nil, fmt.Errorf("%w: certificate %s could be renewed until %s",
			ErrEligibilityExpired, requestID, end.Format(time.RFC3339))
	}

	logger.Infow("certificate is eligible for renewal", "Request ID", requestID)

	return &Renewal{CA: r.CA, CertificateID: requestID, Logger: logger, PollInterval: r.PollInterval}, nil
}

// expiry returns the expiry of the certificate with the given request
// identifier, preferring the local lookup over the vendor.
func (r *Resolver) expiry(ctx context.Context, requestID string) (time.Time, error) {
	expiry, ok, err := r.Lookup.ExpirationByRequestID(ctx, requestID)
	if err != nil {
		return time.Time{}, wrapFailure(ctx, err, "failed to look up expiry of certificate %s", requestID)
	}
	if ok {
		return expiry, nil
	}

	if r.CA == nil {
		return time.Time{}, fmt.Errorf("%w: expiry of certificate %s is unknown", ErrInvalidState, requestID)
	}

	details, err := r.CA.CertificateDetails(ctx, requestID)
	if err != nil {
		return time.Time{}, wrapFailure(ctx, err, "failed to get details of certificate %s", requestID)
	}

	if details != nil {
		if end, ok := details.ValidEndTime(); ok {
			return end, nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: vendor reports no validity end for certificate %s", ErrInvalidState, requestID)
}

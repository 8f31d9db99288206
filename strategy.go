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
	"errors"
	"fmt"
	"time"

	"github.com/Keyfactor/godaddy-caplugin/internal/metrics"
)

// Strategy constants.
const (
	DefaultPollInterval = time.Second

	// cancelOrderTimeout bounds the remote cancel issued after the caller's
	// context is done.
	cancelOrderTimeout = 30 * time.Second
)

// Strategy names.
const (
	StrategyNew     = "new"
	StrategyRenew   = "renew"
	StrategyReissue = "reissue"
)

// Strategy carries out one enrollment against the vendor.
//
// Execute submits an order and polls the vendor until the certificate is
// issued or the order reaches a terminal failure state. There is no limit
// on the number of polls; callers must bound the operation with ctx. When
// ctx is done the outstanding order is cancelled with the vendor and, once
// that call has completed, an error wrapping ErrCancelled is returned.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, req *EnrollmentRequest) (*EnrollmentResult, error)
}

// NewEnrollment orders a new certificate.
type NewEnrollment struct {
	CA           RemoteCA
	Logger       Logger
	PollInterval time.Duration
}

// Renewal renews the certificate identified by CertificateID.
type Renewal struct {
	CA            RemoteCA
	CertificateID string
	Logger        Logger
	PollInterval  time.Duration
}

// Reissue reissues the certificate identified by CertificateID.
type Reissue struct {
	CA            RemoteCA
	CertificateID string
	Logger        Logger
	PollInterval  time.Duration
}

// Name returns the strategy name.
func (s *NewEnrollment) Name() string { return StrategyNew }

// Name returns the strategy name.
func (s *Renewal) Name() string { return StrategyRenew }

// Name returns the strategy name.
func (s *Reissue) Name() string { return StrategyReissue }

// Execute orders a new certificate and waits for it to be issued.
func (s *NewEnrollment) Execute(ctx context.Context, req *EnrollmentRequest) (*EnrollmentResult, error) {
	logger := loggerOrNOP(s.Logger).With("Strategy", StrategyNew, "Common Name", req.CommonName)

	logger.Debugf("submitting order for %s certificate", req.ProductType)

	id, err := s.CA.SubmitOrder(ctx, newOrderRequest(req))
	if err != nil {
		err = wrapFailure(ctx, err, "failed to submit certificate order")
		countEnrollment(StrategyNew, err)
		return nil, err
	}
	if id == "" {
		countEnrollment(StrategyNew, ErrInvalidState)
		return nil, fmt.Errorf("%w: vendor returned no certificate ID for new order", ErrInvalidState)
	}

	logger.Infow("created certificate order, waiting for issuance", "Certificate ID", id)

	res, err := awaitCertificate(ctx, s.CA, logger, StrategyNew, s.PollInterval, id, "issued")
	countEnrollment(StrategyNew, err)

	return res, err
}

// Execute submits a renewal and waits for the renewed certificate.
func (s *Renewal) Execute(ctx context.Context, req *EnrollmentRequest) (*EnrollmentResult, error) {
	logger := loggerOrNOP(s.Logger).With("Strategy", StrategyRenew, "Certificate ID", s.CertificateID)

	order := &RenewCertificateRequest{
		CommonName:              req.CommonName,
		CSR:                     req.CSR,
		Period:                  req.ValidityYears,
		RootType:                string(req.RootType),
		SubjectAlternativeNames: req.SubjectAlternativeNames,
	}

	newID, err := s.CA.SubmitRenewal(ctx, s.CertificateID, order)
	if err != nil {
		err = wrapFailure(ctx, err, "failed to submit renewal of certificate %s", s.CertificateID)
		countEnrollment(StrategyRenew, err)
		return nil, err
	}

	id := effectiveID(newID, s.CertificateID)
	logger.Infow("submitted renewal, waiting for issuance", "Effective ID", id)

	res, err := awaitCertificate(ctx, s.CA, logger, StrategyRenew, s.PollInterval, id, "renewed")
	countEnrollment(StrategyRenew, err)

	return res, err
}

// Execute submits a reissue and waits for the reissued certificate.
func (s *Reissue) Execute(ctx context.Context, req *EnrollmentRequest) (*EnrollmentResult, error) {
	logger := loggerOrNOP(s.Logger).With("Strategy", StrategyReissue, "Certificate ID", s.CertificateID)

	order := &ReissueCertificateRequest{
		CommonName:              req.CommonName,
		CSR:                     req.CSR,
		RootType:                string(req.RootType),
		SubjectAlternativeNames: req.SubjectAlternativeNames,
	}

	newID, err := s.CA.SubmitReissue(ctx, s.CertificateID, order)
	if err != nil {
		err = wrapFailure(ctx, err, "failed to submit reissue of certificate %s", s.CertificateID)
		countEnrollment(StrategyReissue, err)
		return nil, err
	}

	id := effectiveID(newID, s.CertificateID)
	logger.Infow("submitted reissue, waiting for issuance", "Effective ID", id)

	res, err := awaitCertificate(ctx, s.CA, logger, StrategyReissue, s.PollInterval, id, "reissued")
	countEnrollment(StrategyReissue, err)

	return res, err
}

// newOrderRequest maps a request to the vendor order shape. Organization
// information is sent only for products above domain validation.
func newOrderRequest(req *EnrollmentRequest) *CertificateOrderRequest {
	order := &CertificateOrderRequest{
		CommonName: req.CommonName,
		Contact: &Contact{
			Email:     req.Email,
			JobTitle:  req.JobTitle,
			NameFirst: req.FirstName,
			NameLast:  req.LastName,
			Phone:     req.Phone,
		},
		CSR:                     req.CSR,
		Period:                  req.ValidityYears,
		ProductType:             string(req.ProductType),
		RootType:                string(req.RootType),
		SlotSize:                req.SlotSize,
		SubjectAlternativeNames: req.SubjectAlternativeNames,
	}

	if req.ProductType.DomainValidated() {
		return order
	}

	order.Organization = &Organization{
		Address: &Address{
			Address1: req.OrganizationAddress,
			City:     req.OrganizationCity,
			Country:  req.OrganizationCountry,
			State:    req.OrganizationState,
		},
		Name:               req.OrganizationName,
		Phone:              req.OrganizationPhone,
		RegistrationAgent:  req.RegistrationAgent,
		RegistrationNumber: req.RegistrationNumber,
	}

	if req.ProductType.Class() == ClassEV {
		order.Organization.JurisdictionOfIncorporation = &JurisdictionOfIncorporation{
			Country: req.JurisdictionCountry,
			State:   req.JurisdictionState,
		}
	}

	return order
}

// effectiveID returns the identifier assigned by the vendor, or the
// identifier of the certificate acted upon if none was assigned.
func effectiveID(assigned, original string) string {
	if assigned != "" {
		return assigned
	}

	return original
}

// awaitCertificate polls the vendor until the certificate with the given
// identifier is issued, then downloads it. Submission of the order must
// have completed before it is called.
func awaitCertificate(
	ctx context.Context,
	ca RemoteCA,
	logger Logger,
	strategy string,
	interval time.Duration,
	id string,
	verb string,
) (*EnrollmentResult, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	var details *CertificateDetails
	var err error

	start := time.Now()
	polls := 0

	for {
		if ctx.Err() != nil {
			return nil, cancelOrder(ctx, ca, logger, id)
		}

		details, err = ca.CertificateDetails(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, cancelOrder(ctx, ca, logger, id)
			}
			return nil, fmt.Errorf("failed to get details of certificate %s: %w", id, err)
		}
		polls++

		if details == nil || MapVendorStatus(details.Status) == StatusGenerated {
			break
		}

		if final, ok := terminalFailure(id, details); ok {
			metrics.PollIterations.WithLabelValues(strategy).Observe(float64(polls))
			logger.Infow("certificate order reached a terminal state",
				"Certificate ID", id,
				"Vendor Status", details.Status,
			)
			return final, nil
		}

		logger.Debugw("waiting for certificate to be issued",
			"Certificate ID", id,
			"Vendor Status", details.Status,
			"Progress", details.Progress,
			"Elapsed", time.Since(start),
		)

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, cancelOrder(ctx, ca, logger, id)

		case <-t.C:
		}
	}

	// Sanity check.
	if details == nil {
		return nil, fmt.Errorf("%w: no details returned for certificate %s", ErrInvariantViolation, id)
	}

	metrics.PollIterations.WithLabelValues(strategy).Observe(float64(polls))

	logger.Debugw("certificate has been issued, downloading",
		"Certificate ID", id,
		"Elapsed", time.Since(start),
	)

	pem, err := ca.DownloadCertificatePEM(ctx, id)
	if err != nil {
		return nil, wrapFailure(ctx, err, "failed to download certificate %s", id)
	}

	return &EnrollmentResult{
		RequestID:     id,
		Status:        MapVendorStatus(details.Status),
		StatusMessage: fmt.Sprintf("Certificate with ID %s has been %s", id, verb),
		Certificate:   pem,
	}, nil
}

// terminalFailure returns a result for orders which can no longer be
// issued.
func terminalFailure(id string, details *CertificateDetails) (*EnrollmentResult, bool) {
	var msg string

	switch details.Status {
	case VendorStatusDenied:
		msg = fmt.Sprintf("Certificate order with ID %s was denied", id)
		if details.DeniedReason != "" {
			msg += ": " + details.DeniedReason
		}

	case VendorStatusCanceled:
		msg = fmt.Sprintf("Certificate order with ID %s was cancelled", id)

	case VendorStatusRevoked:
		msg = fmt.Sprintf("Certificate with ID %s was revoked", id)

	default:
		return nil, false
	}

	return &EnrollmentResult{
		RequestID:     id,
		Status:        MapVendorStatus(details.Status),
		StatusMessage: msg,
	}, true
}

// cancelOrder cancels the outstanding order after ctx is done and returns
// the error to report to the caller. The cancel call runs on a context
// detached from ctx and completes before cancelOrder returns.
func cancelOrder(ctx context.Context, ca RemoteCA, logger Logger, id string) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}

	logger.Infow("cancellation requested, cancelling certificate order",
		"Certificate ID", id,
		"Cause", cause.Error(),
	)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelOrderTimeout)
	defer cancel()

	if err := ca.CancelOrder(cctx, id); err != nil {
		logger.Errorw("failed to cancel certificate order",
			"Certificate ID", id,
			logFieldError, err.Error(),
		)
		return fmt.Errorf("%w: certificate order %s could not be cancelled (%v): %w", ErrCancelled, id, err, cause)
	}

	return fmt.Errorf("%w: certificate order %s cancelled: %w", ErrCancelled, id, cause)
}

// wrapFailure annotates err with a message. If ctx is done the result also
// wraps ErrCancelled. No order is cancelled remotely, since either none has
// been created yet or it has already been issued.
func wrapFailure(ctx context.Context, err error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
		return fmt.Errorf("%w: %s: %w", ErrCancelled, msg, err)
	}

	return fmt.Errorf("%s: %w", msg, err)
}

// countEnrollment records the outcome of a strategy execution.
func countEnrollment(strategy string, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrCancelled):
		outcome = "cancelled"
	default:
		outcome = "error"
	}

	metrics.EnrollmentsTotal.WithLabelValues(strategy, outcome).Inc()
}

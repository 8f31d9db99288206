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

	"golang.org/x/sync/errgroup"

	"github.com/Keyfactor/godaddy-caplugin/internal/metrics"
)

// syncDownloadConcurrency bounds concurrent certificate downloads within a
// synchronization page.
const syncDownloadConcurrency = 4

// Synchronize delivers the customer's certificates to sink, page by page,
// and returns the number of records delivered. A full synchronization
// delivers every certificate. Otherwise, if lastSync is non-nil, only
// certificates completed or revoked after lastSync are delivered. If sink
// is nil the store is used. Records are delivered to sink from a single
// goroutine.
func (p *Plugin) Synchronize(ctx context.Context, sink CertificateSink, lastSync *time.Time, fullSync bool) (int, error) {
	vendor, err := p.active()
	if err != nil {
		return 0, err
	}

	if sink == nil {
		if sink = p.sink(); sink == nil {
			return 0, fmt.Errorf("%w: no synchronization sink", ErrInvalidArgument)
		}
	}

	var since time.Time
	incremental := !fullSync && lastSync != nil
	if incremental {
		since = lastSync.UTC()
		p.logger.Infow("performing an incremental synchronization", "Last Sync", since)
	} else {
		p.logger.Infow("performing a full synchronization")
	}

	count := 0
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return count, fmt.Errorf("%w: synchronization stopped after %d records: %w", ErrCancelled, count, err)
		}

		resp, err := vendor.ListCertificates(ctx, page, syncPageSize)
		if err != nil {
			return count, fmt.Errorf("failed to list certificates page %d: %w", page, err)
		}

		p.logger.Debugw("retrieved certificates page",
			"Page", page,
			"Certificates", len(resp.Certificates),
			"Total", resp.Pagination.Total,
		)

		records, err := p.downloadPage(ctx, vendor, resp.Certificates, incremental, since)
		if err != nil {
			return count, err
		}

		for _, rec := range records {
			if rec == nil {
				continue
			}

			if err := sink.Save(ctx, rec); err != nil {
				return count, fmt.Errorf("failed to save certificate %s: %w", rec.RequestID, err)
			}

			count++
			metrics.SynchronizedCertificates.Inc()
		}

		if lastPage(resp, page, syncPageSize) {
			break
		}
	}

	p.logger.Infow("synchronization complete", "Certificates", count)

	return count, nil
}

// downloadPage builds the records for one page of certificates. Skipped
// entries are left nil, so the result is in listing order.
func (p *Plugin) downloadPage(
	ctx context.Context,
	vendor VendorAPI,
	certs []CustomerCertificate,
	incremental bool,
	since time.Time,
) ([]*CertificateRecord, error) {
	records := make([]*CertificateRecord, len(certs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncDownloadConcurrency)

	for i := range certs {
		i, c := i, &certs[i]

		if incremental && !changedSince(c, since) {
			continue
		}

		g.Go(func() error {
			rec, err := p.syncRecord(gctx, vendor, c)
			if err != nil {
				return err
			}

			records[i] = rec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return records, nil
}

// syncRecord builds the record for a listed certificate, downloading the
// PEM of issued and revoked certificates.
func (p *Plugin) syncRecord(ctx context.Context, vendor VendorAPI, c *CustomerCertificate) (*CertificateRecord, error) {
	rec := &CertificateRecord{
		RequestID: c.CertificateID,
		Status:    MapVendorStatus(c.Status),
		ProductID: c.Type,
	}

	if t, ok := parseVendorTime(c.RevokedAt); ok {
		rec.RevocationDate = &t
	}

	switch c.Status {
	case VendorStatusIssued, VendorStatusRevoked:
	default:
		return rec, nil
	}

	pem, err := vendor.DownloadCertificatePEM(ctx, c.CertificateID)
	if err != nil {
		if c.Status == VendorStatusRevoked && ctx.Err() == nil {
			p.logger.Errorw("failed to download revoked certificate",
				"Certificate ID", c.CertificateID,
				logFieldError, err.Error(),
			)
			return rec, nil
		}

		return nil, fmt.Errorf("failed to download certificate %s: %w", c.CertificateID, err)
	}

	rec.Certificate = pem

	return rec, nil
}

// changedSince reports whether a listed certificate was completed or
// revoked after since. Certificates without either timestamp are treated
// as changed.
func changedSince(c *CustomerCertificate, since time.Time) bool {
	seen := false
	for _, s := range []string{c.CompletedAt, c.RevokedAt} {
		t, ok := parseVendorTime(s)
		if !ok {
			continue
		}

		if t.After(since) {
			return true
		}
		seen = true
	}

	return !seen
}

// lastPage reports whether resp is the final page of a listing.
func lastPage(resp *CustomerCertificatesResponse, page, limit int) bool {
	if len(resp.Certificates) == 0 || resp.Pagination.Next == "" {
		return true
	}

	return resp.Pagination.Total > 0 && page*limit >= resp.Pagination.Total
}

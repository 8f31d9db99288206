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

package mockca

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/google/uuid"

	caplugin "github.com/Keyfactor/godaddy-caplugin"
)

// Credentials accepted by the mock vendor.
const (
	APIKey     = "mock-api-key"
	APISecret  = "mock-api-secret"
	ShopperID  = "1234567890"
	CustomerID = "6a1d9a0e-47a3-4ad8-a2c4-3e6f1c0b9d21"
)

// Common names which trigger error behaviour when ordered.
const (
	// TriggerDenied orders are denied on the first status poll.
	TriggerDenied = "trigger-error-denied.example.com"

	// TriggerFlaky orders fail with 503 on the first attempt only.
	TriggerFlaky = "trigger-error-flaky.example.com"

	// TriggerInvalid orders are rejected with 422 and field errors.
	TriggerInvalid = "trigger-error-invalid.example.com"

	// TriggerPending orders are never issued.
	TriggerPending = "trigger-error-pending.example.com"

	// TriggerUnavailable orders always fail with 503.
	TriggerUnavailable = "trigger-error-unavailable.example.com"
)

// Vendor statuses used by the mock vendor.
const (
	statusCanceled        = "CANCELED"
	statusDenied          = "DENIED"
	statusIssued          = "ISSUED"
	statusPendingIssuance = "PENDING_ISSUANCE"
	statusPendingRekey    = "PENDING_REKEY"
	statusRevoked         = "REVOKED"
)

const (
	defaultPageSize  = 50
	idParamName      = "id"
	mimeTypeJSON     = "application/json"
	timestampLayout  = time.RFC3339
	vendorAuthPrefix = "sso-key "
)

// order is the state of a single certificate order.
type order struct {
	id          string
	productType string
	commonName  string
	csr         *x509.CertificateRequest
	period      int
	slotSize    string
	status      string
	polls       int
	cert        *x509.Certificate
	createdAt   time.Time
	completedAt time.Time
	revokedAt   time.Time
	reason      string
}

// Handler returns an HTTP handler serving the mock vendor API.
func (ca *MockCA) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requireAPIKey)

	r.Get("/v1/shoppers/{shopperId}", ca.shopper)
	r.Get("/v2/customers/{customerId}/certificates", ca.list)

	r.Route("/v1/certificates", func(r chi.Router) {
		r.Post("/", ca.order)

		r.Route(fmt.Sprintf("/{%s}", idParamName), func(r chi.Router) {
			r.Get("/", ca.details)
			r.Get("/download", ca.download)
			r.Post("/renew", ca.renew)
			r.Post("/reissue", ca.reissue)
			r.Post("/revoke", ca.revoke)
			r.Post("/cancel", ca.cancel)
		})
	})

	return r
}

// Cancelled returns the identifiers of cancelled orders, in the order the
// cancellations were received.
func (ca *MockCA) Cancelled() []string {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	return append([]string(nil), ca.cancels...)
}

// Status returns the vendor status of an order, or the empty string if the
// order does not exist.
func (ca *MockCA) Status(id string) string {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if o, ok := ca.orders[id]; ok {
		return o.status
	}

	return ""
}

// RevokeReason returns the revocation reason of an order.
func (ca *MockCA) RevokeReason(id string) string {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if o, ok := ca.orders[id]; ok {
		return o.reason
	}

	return ""
}

// Certificate returns the certificate issued for an order, if any.
func (ca *MockCA) Certificate(id string) *x509.Certificate {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if o, ok := ca.orders[id]; ok {
		return o.cert
	}

	return nil
}

// requireAPIKey is middleware which rejects requests without the mock
// credentials.
func requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != vendorAuthPrefix+APIKey+":"+APISecret {
			writeError(w, http.StatusUnauthorized, "UNABLE_TO_AUTHENTICATE", "Authentication information not sent or invalid")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// shopper services GET /v1/shoppers/{shopperId}.
func (ca *MockCA) shopper(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "shopperId") != ShopperID {
		writeError(w, http.StatusNotFound, "UNKNOWN_SHOPPER", "Shopper not found")
		return
	}

	writeJSON(w, http.StatusOK, &caplugin.ShopperDetails{
		ShopperID:  ShopperID,
		CustomerID: CustomerID,
	})
}

// order services POST /v1/certificates.
func (ca *MockCA) order(w http.ResponseWriter, r *http.Request) {
	var req caplugin.CertificateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Request body doesn't fulfill schema")
		return
	}

	switch req.CommonName {
	case TriggerInvalid:
		writeError(w, http.StatusUnprocessableEntity, "INVALID_BODY", "Request body doesn't fulfill schema",
			caplugin.ErrorField{Code: "INVALID_VALUE", Message: "triggered field error", Path: "commonName"})
		return

	case TriggerUnavailable:
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "triggered unavailable response")
		return

	case TriggerFlaky:
		ca.mu.Lock()
		ca.attempts[req.CommonName]++
		n := ca.attempts[req.CommonName]
		ca.mu.Unlock()

		if n == 1 {
			writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "triggered flaky response")
			return
		}
	}

	if req.ProductType == "" || req.Contact == nil || req.Period < 1 {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_BODY", "Request body doesn't fulfill schema")
		return
	}

	csr, ok := parseCSR(w, req.CSR)
	if !ok {
		return
	}

	o := &order{
		id:          uuid.NewString(),
		productType: req.ProductType,
		commonName:  req.CommonName,
		csr:         csr,
		period:      req.Period,
		slotSize:    req.SlotSize,
		status:      statusPendingIssuance,
		createdAt:   time.Now().UTC(),
	}

	ca.mu.Lock()
	ca.orders[o.id] = o
	ca.ids = append(ca.ids, o.id)
	ca.mu.Unlock()

	writeJSON(w, http.StatusAccepted, &caplugin.CertificateOrderResponse{CertificateID: o.id})
}

// details services GET /v1/certificates/{id}. Each call counts as a status
// poll, and a pending order is issued once it has been polled more than the
// configured number of times.
func (ca *MockCA) details(w http.ResponseWriter, r *http.Request) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	o, ok := ca.orders[chi.URLParam(r, idParamName)]
	if !ok {
		writeError(w, http.StatusNotFound, "CERTIFICATE_NOT_FOUND", "Certificate not found")
		return
	}

	if err := ca.advance(o); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	progress := 50
	if o.cert != nil && o.status != statusPendingIssuance && o.status != statusPendingRekey {
		progress = 100
	}

	d := &caplugin.CertificateDetails{
		CertificateID: o.id,
		CommonName:    o.commonName,
		CreatedAt:     o.createdAt.Format(timestampLayout),
		Period:        o.period,
		ProductType:   o.productType,
		Progress:      progress,
		SlotSize:      o.slotSize,
		Status:        o.status,
	}

	if o.status == statusDenied {
		d.DeniedReason = "triggered denial"
	}

	if o.cert != nil {
		d.SerialNumber = o.cert.SerialNumber.String()
		d.SerialNumberHex = fmt.Sprintf("%X", o.cert.SerialNumber)
		d.ValidStart = o.cert.NotBefore.UTC().Format(timestampLayout)
		d.ValidEnd = o.cert.NotAfter.UTC().Format(timestampLayout)
	}

	if !o.revokedAt.IsZero() {
		d.RevokedAt = o.revokedAt.Format(timestampLayout)
	}

	writeJSON(w, http.StatusOK, d)
}

// advance moves a pending order along on a status poll. The caller must
// hold the lock.
func (ca *MockCA) advance(o *order) error {
	if o.status != statusPendingIssuance && o.status != statusPendingRekey {
		return nil
	}

	o.polls++

	switch o.commonName {
	case TriggerDenied:
		o.status = statusDenied
		return nil

	case TriggerPending:
		return nil
	}

	if o.polls <= ca.issueAfter {
		return nil
	}

	cert, err := ca.issue(o.csr, o.period)
	if err != nil {
		return err
	}

	o.cert = cert
	o.status = statusIssued
	o.completedAt = time.Now().UTC()

	return nil
}

// download services GET /v1/certificates/{id}/download.
func (ca *MockCA) download(w http.ResponseWriter, r *http.Request) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	o, ok := ca.orders[chi.URLParam(r, idParamName)]
	if !ok {
		writeError(w, http.StatusNotFound, "CERTIFICATE_NOT_FOUND", "Certificate not found")
		return
	}

	if o.cert == nil {
		writeError(w, http.StatusConflict, "CERTIFICATE_NOT_ISSUED", "Certificate has not been issued")
		return
	}

	resp := &caplugin.DownloadCertificateResponse{
		PEMs: caplugin.PEMs{
			Certificate: encodePEM(o.cert),
		},
		SerialNumber: o.cert.SerialNumber.String(),
	}

	if len(ca.certs) > 1 {
		var b strings.Builder
		for _, cert := range ca.certs[:len(ca.certs)-1] {
			b.WriteString(encodePEM(cert))
		}
		resp.PEMs.Intermediate = b.String()
	}
	resp.PEMs.Root = encodePEM(ca.certs[len(ca.certs)-1])

	writeJSON(w, http.StatusOK, resp)
}

// renew services POST /v1/certificates/{id}/renew.
func (ca *MockCA) renew(w http.ResponseWriter, r *http.Request) {
	var req caplugin.RenewCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Request body doesn't fulfill schema")
		return
	}

	ca.resubmit(w, r, req.CSR, req.Period, statusPendingIssuance)
}

// reissue services POST /v1/certificates/{id}/reissue.
func (ca *MockCA) reissue(w http.ResponseWriter, r *http.Request) {
	var req caplugin.ReissueCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Request body doesn't fulfill schema")
		return
	}

	ca.resubmit(w, r, req.CSR, 0, statusPendingRekey)
}

// resubmit resets an issued order for renewal or reissue. The vendor does
// not assign a new identifier, so the response has no body.
func (ca *MockCA) resubmit(w http.ResponseWriter, r *http.Request, csrPEM string, period int, status string) {
	csr, ok := parseCSR(w, csrPEM)
	if !ok {
		return
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()

	o, ok := ca.orders[chi.URLParam(r, idParamName)]
	if !ok {
		writeError(w, http.StatusNotFound, "CERTIFICATE_NOT_FOUND", "Certificate not found")
		return
	}

	if o.status != statusIssued {
		writeError(w, http.StatusConflict, "INVALID_STATUS", "Certificate is not in the ISSUED state")
		return
	}

	o.csr = csr
	if period > 0 {
		o.period = period
	}
	o.status = status
	o.polls = 0

	w.WriteHeader(http.StatusAccepted)
}

// revoke services POST /v1/certificates/{id}/revoke.
func (ca *MockCA) revoke(w http.ResponseWriter, r *http.Request) {
	var req caplugin.RevokeCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_BODY", "Request body doesn't fulfill schema")
		return
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()

	o, ok := ca.orders[chi.URLParam(r, idParamName)]
	if !ok {
		writeError(w, http.StatusNotFound, "CERTIFICATE_NOT_FOUND", "Certificate not found")
		return
	}

	if o.status != statusIssued {
		writeError(w, http.StatusConflict, "INVALID_STATUS", "Certificate is not in the ISSUED state")
		return
	}

	o.status = statusRevoked
	o.revokedAt = time.Now().UTC()
	o.reason = req.Reason

	w.WriteHeader(http.StatusNoContent)
}

// cancel services POST /v1/certificates/{id}/cancel.
func (ca *MockCA) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, idParamName)

	ca.mu.Lock()
	defer ca.mu.Unlock()

	ca.cancels = append(ca.cancels, id)

	o, ok := ca.orders[id]
	if !ok {
		writeError(w, http.StatusNotFound, "CERTIFICATE_NOT_FOUND", "Certificate not found")
		return
	}

	if o.status != statusPendingIssuance && o.status != statusPendingRekey {
		writeError(w, http.StatusConflict, "INVALID_STATUS", "Only pending orders can be cancelled")
		return
	}

	o.status = statusCanceled

	w.WriteHeader(http.StatusNoContent)
}

// list services GET /v2/customers/{customerId}/certificates. The offset
// query parameter is a page number starting at 1.
func (ca *MockCA) list(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "customerId") != CustomerID {
		writeError(w, http.StatusNotFound, "UNKNOWN_CUSTOMER", "Customer not found")
		return
	}

	page := queryInt(r, "offset", 1)
	limit := queryInt(r, "limit", defaultPageSize)
	if page < 1 || limit < 1 {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_QUERY", "offset and limit must be positive")
		return
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()

	total := len(ca.ids)
	lastPage := (total + limit - 1) / limit
	if lastPage == 0 {
		lastPage = 1
	}

	resp := &caplugin.CustomerCertificatesResponse{
		Certificates: []caplugin.CustomerCertificate{},
		Pagination: caplugin.Pagination{
			First: pageURL(r, 1, limit),
			Last:  pageURL(r, lastPage, limit),
			Total: total,
		},
	}

	if page > 1 {
		resp.Pagination.Previous = pageURL(r, page-1, limit)
	}
	if page < lastPage {
		resp.Pagination.Next = pageURL(r, page+1, limit)
	}

	start := (page - 1) * limit
	for i := start; i < start+limit && i < total; i++ {
		o := ca.orders[ca.ids[i]]

		c := caplugin.CustomerCertificate{
			CertificateID: o.id,
			CommonName:    o.commonName,
			Period:        o.period,
			Type:          o.productType,
			Status:        o.status,
			CreatedAt:     o.createdAt.Format(timestampLayout),
			SlotSize:      o.slotSize,
		}

		if !o.completedAt.IsZero() {
			c.CompletedAt = o.completedAt.Format(timestampLayout)
		}
		if !o.revokedAt.IsZero() {
			c.RevokedAt = o.revokedAt.Format(timestampLayout)
		}
		if o.cert != nil {
			c.SerialNumber = o.cert.SerialNumber.String()
			c.ValidStartAt = o.cert.NotBefore.UTC().Format(timestampLayout)
			c.ValidEndAt = o.cert.NotAfter.UTC().Format(timestampLayout)
		}

		resp.Certificates = append(resp.Certificates, c)
	}

	writeJSON(w, http.StatusOK, resp)
}

// parseCSR parses a PEM-encoded CSR, writing an error response on failure.
func parseCSR(w http.ResponseWriter, s string) (*x509.CertificateRequest, bool) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_CSR", "CSR is not PEM-encoded")
		return nil, false
	}

	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil || csr.CheckSignature() != nil {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_CSR", "CSR is malformed")
		return nil, false
	}

	return csr, true
}

// queryInt returns an integer query parameter, or def if absent.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}

	return n
}

// pageURL returns the URL of a listing page.
func pageURL(r *http.Request, page, limit int) string {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	return r.URL.Path + "?" + q.Encode()
}

func encodePEM(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", mimeTypeJSON)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

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
	"time"
)

// Vendor API request and response bodies.

// Contact is the requestor contact sent with a new order.
type Contact struct {
	Email      string `json:"email"`
	JobTitle   string `json:"jobTitle,omitempty"`
	NameFirst  string `json:"nameFirst"`
	NameLast   string `json:"nameLast"`
	NameMiddle string `json:"nameMiddle,omitempty"`
	Phone      string `json:"phone"`
	Suffix     string `json:"suffix,omitempty"`
}

// Address is an organization postal address.
type Address struct {
	Address1   string `json:"address1"`
	Address2   string `json:"address2,omitempty"`
	City       string `json:"city"`
	Country    string `json:"country"`
	PostalCode string `json:"postalCode,omitempty"`
	State      string `json:"state"`
}

// JurisdictionOfIncorporation identifies where an organization is registered.
type JurisdictionOfIncorporation struct {
	City    string `json:"city,omitempty"`
	Country string `json:"country"`
	County  string `json:"county,omitempty"`
	State   string `json:"state"`
}

// Organization is the organization sent with OV and EV orders.
type Organization struct {
	Address                     *Address                     `json:"address,omitempty"`
	AssumedName                 string                       `json:"assumedName,omitempty"`
	JurisdictionOfIncorporation *JurisdictionOfIncorporation `json:"jurisdictionOfIncorporation,omitempty"`
	Name                        string                       `json:"name"`
	Phone                       string                       `json:"phone,omitempty"`
	RegistrationAgent           string                       `json:"registrationAgent,omitempty"`
	RegistrationNumber          string                       `json:"registrationNumber,omitempty"`
}

// CertificateOrderRequest is the body of POST /v1/certificates.
type CertificateOrderRequest struct {
	CallbackURL             string        `json:"callbackUrl,omitempty"`
	CommonName              string        `json:"commonName"`
	Contact                 *Contact      `json:"contact"`
	CSR                     string        `json:"csr"`
	IntelVPro               bool          `json:"intelVPro,omitempty"`
	Organization            *Organization `json:"organization,omitempty"`
	Period                  int           `json:"period"`
	ProductType             string        `json:"productType"`
	RootType                string        `json:"rootType,omitempty"`
	SlotSize                string        `json:"slotSize,omitempty"`
	SubjectAlternativeNames []string      `json:"subjectAlternativeNames,omitempty"`
}

// CertificateOrderResponse is the 202 body of order, renew and reissue calls.
type CertificateOrderResponse struct {
	CertificateID string `json:"certificateId"`
}

// RenewCertificateRequest is the body of POST /v1/certificates/{id}/renew.
type RenewCertificateRequest struct {
	CallbackURL             string   `json:"callbackUrl,omitempty"`
	CommonName              string   `json:"commonName"`
	CSR                     string   `json:"csr"`
	Period                  int      `json:"period"`
	RootType                string   `json:"rootType,omitempty"`
	SubjectAlternativeNames []string `json:"subjectAlternativeNames,omitempty"`
}

// ReissueCertificateRequest is the body of POST
// /v1/certificates/{id}/reissue.
type ReissueCertificateRequest struct {
	CallbackURL             string   `json:"callbackUrl,omitempty"`
	CommonName              string   `json:"commonName"`
	CSR                     string   `json:"csr"`
	DelayExistingRevoke     int      `json:"delayExistingRevoke,omitempty"`
	RootType                string   `json:"rootType,omitempty"`
	SubjectAlternativeNames []string `json:"subjectAlternativeNames,omitempty"`
	ForceDomainRevetting    []string `json:"forceDomainRevetting,omitempty"`
}

// RevokeCertificateRequest is the body of POST /v1/certificates/{id}/revoke.
type RevokeCertificateRequest struct {
	Reason string `json:"reason"`
}

// SubjectAlternativeName is a SAN and its validation status.
type SubjectAlternativeName struct {
	Status                 string `json:"status"`
	SubjectAlternativeName string `json:"subjectAlternativeName"`
}

// CertificateDetails is the response to GET /v1/certificates/{id}.
type CertificateDetails struct {
	CertificateID           string                   `json:"certificateId"`
	CommonName              string                   `json:"commonName"`
	Contact                 *Contact                 `json:"contact,omitempty"`
	CreatedAt               string                   `json:"createdAt,omitempty"`
	DeniedReason            string                   `json:"deniedReason,omitempty"`
	Organization            *Organization            `json:"organization,omitempty"`
	Period                  int                      `json:"period"`
	ProductType             string                   `json:"productType"`
	Progress                int                      `json:"progress"`
	RevokedAt               string                   `json:"revokedAt,omitempty"`
	RootType                string                   `json:"rootType,omitempty"`
	SerialNumber            string                   `json:"serialNumber,omitempty"`
	SerialNumberHex         string                   `json:"serialNumberHex,omitempty"`
	SlotSize                string                   `json:"slotSize,omitempty"`
	Status                  string                   `json:"status"`
	SubjectAlternativeNames []SubjectAlternativeName `json:"subjectAlternativeNames,omitempty"`
	ValidEnd                string                   `json:"validEnd,omitempty"`
	ValidStart              string                   `json:"validStart,omitempty"`
}

// ValidEndTime returns the parsed validity end, if reported.
func (d *CertificateDetails) ValidEndTime() (time.Time, bool) {
	return parseVendorTime(d.ValidEnd)
}

// RevokedAtTime returns the parsed revocation time, if reported.
func (d *CertificateDetails) RevokedAtTime() (time.Time, bool) {
	return parseVendorTime(d.RevokedAt)
}

// PEMs holds the PEM-encoded certificates of a download response.
type PEMs struct {
	Certificate  string `json:"certificate"`
	Cross        string `json:"cross,omitempty"`
	Intermediate string `json:"intermediate,omitempty"`
	Root         string `json:"root,omitempty"`
}

// DownloadCertificateResponse is the response to GET
// /v1/certificates/{id}/download.
type DownloadCertificateResponse struct {
	PEMs         PEMs   `json:"pems"`
	SerialNumber string `json:"serialNumber,omitempty"`
}

// CustomerCertificate is an entry in a customer certificate listing.
type CustomerCertificate struct {
	CertificateID           string   `json:"certificateId"`
	CommonName              string   `json:"commonName"`
	Period                  int      `json:"period"`
	Type                    string   `json:"type"`
	Status                  string   `json:"status"`
	CreatedAt               string   `json:"createdAt,omitempty"`
	CompletedAt             string   `json:"completedAt,omitempty"`
	ValidEndAt              string   `json:"validEndAt,omitempty"`
	ValidStartAt            string   `json:"validStartAt,omitempty"`
	RevokedAt               string   `json:"revokedAt,omitempty"`
	RenewalAvailable        bool     `json:"renewalAvailable"`
	SerialNumber            string   `json:"serialNumber,omitempty"`
	SlotSize                string   `json:"slotSize,omitempty"`
	SubjectAlternativeNames []string `json:"subjectAlternativeNames,omitempty"`
}

// Pagination describes the position of a page in a listing.
type Pagination struct {
	First    string `json:"first,omitempty"`
	Previous string `json:"previous,omitempty"`
	Next     string `json:"next,omitempty"`
	Last     string `json:"last,omitempty"`
	Total    int    `json:"total"`
}

// CustomerCertificatesResponse is the response to GET
// /v2/customers/{customerId}/certificates.
type CustomerCertificatesResponse struct {
	Certificates []CustomerCertificate `json:"certificates"`
	Pagination   Pagination            `json:"pagination"`
}

// ShopperDetails is the response to GET /v1/shoppers/{shopperId}.
type ShopperDetails struct {
	CustomerID string `json:"customerId"`
	Email      string `json:"email,omitempty"`
	ExternalID *int   `json:"externalId,omitempty"`
	MarketID   string `json:"marketId,omitempty"`
	NameFirst  string `json:"nameFirst,omitempty"`
	NameLast   string `json:"nameLast,omitempty"`
	ShopperID  string `json:"shopperId"`
}

// ErrorField is a field-level error in a vendor error response.
type ErrorField struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path"`
}

// errorResponse is the body of a vendor error response.
type errorResponse struct {
	Code    string       `json:"code"`
	Fields  []ErrorField `json:"fields,omitempty"`
	Message string       `json:"message"`
}

// vendorTimeLayouts are the timestamp layouts seen in vendor responses.
var vendorTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseVendorTime parses a vendor timestamp in UTC. Empty or unparsable
// values are reported as absent.
func parseVendorTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range vendorTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}

	return time.Time{}, false
}

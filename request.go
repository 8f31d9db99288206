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
	"fmt"
	"strings"
)

// EnrollmentIntent is the kind of enrollment declared by the host.
type EnrollmentIntent int

// Enrollment intents. The host does not distinguish renewal from reissue;
// the Resolver makes that decision.
const (
	IntentNew EnrollmentIntent = iota + 1
	IntentRenewOrReissue
)

// String returns the name of the intent.
func (i EnrollmentIntent) String() string {
	switch i {
	case IntentNew:
		return "New"
	case IntentRenewOrReissue:
		return "RenewOrReissue"
	}

	return fmt.Sprintf("EnrollmentIntent(%d)", int(i))
}

// MarshalText implements encoding.TextMarshaler.
func (i EnrollmentIntent) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. The host enrollment
// types "Renew" and "Reissue" are both accepted as RenewOrReissue.
func (i *EnrollmentIntent) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "new":
		*i = IntentNew
	case "renew", "reissue", "reneworreissue":
		*i = IntentRenewOrReissue
	default:
		return fmt.Errorf("%w: unknown enrollment type %q", ErrInvalidArgument, string(text))
	}

	return nil
}

// ProductType is a vendor certificate product.
type ProductType string

// Product types.
const (
	ProductDVSSL         ProductType = "DV_SSL"
	ProductDVWildcardSSL ProductType = "DV_WILDCARD_SSL"
	ProductEVSSL         ProductType = "EV_SSL"
	ProductOVCS          ProductType = "OV_CS"
	ProductOVDS          ProductType = "OV_DS"
	ProductOVSSL         ProductType = "OV_SSL"
	ProductOVWildcardSSL ProductType = "OV_WILDCARD_SSL"
	ProductUCCDVSSL      ProductType = "UCC_DV_SSL"
	ProductUCCEVSSL      ProductType = "UCC_EV_SSL"
	ProductUCCOVSSL      ProductType = "UCC_OV_SSL"
)

// ValidationClass is the identity verification level of a product.
type ValidationClass int

// Validation classes.
const (
	ClassDV ValidationClass = iota + 1
	ClassOV
	ClassEV
)

// productClasses lists every supported product in the order reported to the
// host.
var productClasses = []struct {
	product ProductType
	class   ValidationClass
}{
	{ProductDVSSL, ClassDV},
	{ProductDVWildcardSSL, ClassDV},
	{ProductUCCDVSSL, ClassDV},
	{ProductOVSSL, ClassOV},
	{ProductOVCS, ClassOV},
	{ProductOVDS, ClassOV},
	{ProductOVWildcardSSL, ClassOV},
	{ProductUCCOVSSL, ClassOV},
	{ProductEVSSL, ClassEV},
	{ProductUCCEVSSL, ClassEV},
}

// Class returns the validation class of the product, or zero if the product
// is not supported.
func (p ProductType) Class() ValidationClass {
	for _, pc := range productClasses {
		if pc.product == p {
			return pc.class
		}
	}

	return 0
}

// DomainValidated reports whether the product only requires domain
// validation, in which case no organization information is sent.
func (p ProductType) DomainValidated() bool {
	return p.Class() == ClassDV
}

// ProductIDs returns the identifiers of all supported products.
func ProductIDs() []string {
	ids := make([]string, 0, len(productClasses))
	for _, pc := range productClasses {
		ids = append(ids, string(pc.product))
	}

	return ids
}

// RootType selects the vendor root CA chain.
type RootType string

// Root types.
const (
	RootGoDaddySHA1   RootType = "GODADDY_SHA_1"
	RootGoDaddySHA2   RootType = "GODADDY_SHA_2"
	RootStarfieldSHA1 RootType = "STARFIELD_SHA_1"
	RootStarfieldSHA2 RootType = "STARFIELD_SHA_2"

	DefaultRootType = RootGoDaddySHA2
)

func (r RootType) valid() bool {
	switch r {
	case RootGoDaddySHA1, RootGoDaddySHA2, RootStarfieldSHA1, RootStarfieldSHA2:
		return true
	}

	return false
}

// EnrollmentRequest is a normalized enrollment request. It is constructed
// once per enrollment by BuildEnrollmentRequest and is not modified
// afterwards.
type EnrollmentRequest struct {
	Intent                  EnrollmentIntent
	CSR                     string
	ProductType             ProductType
	CommonName              string
	SubjectAlternativeNames []string
	RootType                RootType
	ValidityYears           int
	SlotSize                string

	// Domain validation contact.
	Email     string
	FirstName string
	LastName  string
	Phone     string
	JobTitle  string

	// Organization validation.
	OrganizationName    string
	OrganizationAddress string
	OrganizationCity    string
	OrganizationState   string
	OrganizationCountry string
	OrganizationPhone   string

	// Extended validation.
	JurisdictionState   string
	JurisdictionCountry string
	RegistrationAgent   string
	RegistrationNumber  string

	// PriorSerialNumber is the hex serial number of the certificate being
	// renewed or reissued. It is set if and only if Intent is
	// IntentRenewOrReissue.
	PriorSerialNumber string
}

// Validate checks the intent and prior serial number invariant.
func (r *EnrollmentRequest) Validate() error {
	switch r.Intent {
	case IntentNew:
		if r.PriorSerialNumber != "" {
			return fmt.Errorf("%w: prior certificate serial number given for new enrollment", ErrInvalidArgument)
		}

	case IntentRenewOrReissue:
		if r.PriorSerialNumber == "" {
			return fmt.Errorf("%w: prior certificate serial number is required to renew or reissue", ErrInvalidArgument)
		}

	default:
		return fmt.Errorf("%w: unknown enrollment intent %v", ErrInvalidArgument, r.Intent)
	}

	return nil
}

// EnrollmentResult is the outcome of an enrollment.
type EnrollmentResult struct {
	RequestID     string          `json:"requestId"`
	Status        EndEntityStatus `json:"status"`
	StatusMessage string          `json:"statusMessage"`
	Certificate   string          `json:"certificate,omitempty"`
}

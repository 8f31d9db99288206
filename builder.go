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
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Product parameter keys.
const (
	ParamCertificateValidityInYears = "CertificateValidityInYears"
	ParamEmail                      = "Email"
	ParamFirstName                  = "FirstName"
	ParamJobTitle                   = "JobTitle"
	ParamJurisdictionCountry        = "JurisdictionCountry"
	ParamJurisdictionState          = "JurisdictionState"
	ParamLastName                   = "LastName"
	ParamOrganizationAddress        = "OrganizationAddress"
	ParamOrganizationCity           = "OrganizationCity"
	ParamOrganizationCountry        = "OrganizationCountry"
	ParamOrganizationName           = "OrganizationName"
	ParamOrganizationPhone          = "OrganizationPhone"
	ParamOrganizationState          = "OrganizationState"
	ParamPhone                      = "Phone"
	ParamRegistrationAgent          = "RegistrationAgent"
	ParamRegistrationNumber         = "RegistrationNumber"
	ParamRootType                   = "RootType"
	ParamSlotSize                   = "SlotSize"
)

// EnrollInput is an enrollment call as received from the host.
type EnrollInput struct {
	// CSR is the PEM-encoded PKCS#10 certificate signing request.
	CSR string `json:"csr"`

	// Subject is the requested subject distinguished name. It is used for
	// the common name only if the CSR has none.
	Subject string `json:"subject,omitempty"`

	// SANs maps SAN types (e.g. "dns", "ip") to values.
	SANs map[string][]string `json:"sans,omitempty"`

	ProductID         string            `json:"productId"`
	ProductParameters map[string]string `json:"productParameters,omitempty"`
	Intent            EnrollmentIntent  `json:"enrollmentType"`

	// PriorSerialNumber is the hex serial number of the certificate to
	// renew or reissue.
	PriorSerialNumber string `json:"priorSerialNumber,omitempty"`
}

// paramSetter assigns a product parameter value to a request.
type paramSetter func(r *EnrollmentRequest, value string) error

func setString(field func(r *EnrollmentRequest) *string) paramSetter {
	return func(r *EnrollmentRequest, value string) error {
		*field(r) = value
		return nil
	}
}

// paramSetters binds every product parameter key to the request field it
// populates.
var paramSetters = map[string]paramSetter{
	ParamCertificateValidityInYears: func(r *EnrollmentRequest, value string) error {
		years, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || years < 1 {
			return fmt.Errorf("%w: %s must be a positive integer, got %q",
				ErrInvalidArgument, ParamCertificateValidityInYears, value)
		}
		r.ValidityYears = years
		return nil
	},
	ParamRootType: func(r *EnrollmentRequest, value string) error {
		rt := RootType(strings.ToUpper(strings.TrimSpace(value)))
		if !rt.valid() {
			return fmt.Errorf("%w: unknown %s %q", ErrInvalidArgument, ParamRootType, value)
		}
		r.RootType = rt
		return nil
	},
	ParamEmail:               setString(func(r *EnrollmentRequest) *string { return &r.Email }),
	ParamFirstName:           setString(func(r *EnrollmentRequest) *string { return &r.FirstName }),
	ParamJobTitle:            setString(func(r *EnrollmentRequest) *string { return &r.JobTitle }),
	ParamJurisdictionCountry: setString(func(r *EnrollmentRequest) *string { return &r.JurisdictionCountry }),
	ParamJurisdictionState:   setString(func(r *EnrollmentRequest) *string { return &r.JurisdictionState }),
	ParamLastName:            setString(func(r *EnrollmentRequest) *string { return &r.LastName }),
	ParamOrganizationAddress: setString(func(r *EnrollmentRequest) *string { return &r.OrganizationAddress }),
	ParamOrganizationCity:    setString(func(r *EnrollmentRequest) *string { return &r.OrganizationCity }),
	ParamOrganizationCountry: setString(func(r *EnrollmentRequest) *string { return &r.OrganizationCountry }),
	ParamOrganizationName:    setString(func(r *EnrollmentRequest) *string { return &r.OrganizationName }),
	ParamOrganizationPhone:   setString(func(r *EnrollmentRequest) *string { return &r.OrganizationPhone }),
	ParamOrganizationState:   setString(func(r *EnrollmentRequest) *string { return &r.OrganizationState }),
	ParamPhone:               setString(func(r *EnrollmentRequest) *string { return &r.Phone }),
	ParamRegistrationAgent:   setString(func(r *EnrollmentRequest) *string { return &r.RegistrationAgent }),
	ParamRegistrationNumber:  setString(func(r *EnrollmentRequest) *string { return &r.RegistrationNumber }),
	ParamSlotSize:            setString(func(r *EnrollmentRequest) *string { return &r.SlotSize }),
}

var (
	dvParams = []string{
		ParamEmail,
		ParamFirstName,
		ParamLastName,
		ParamPhone,
	}
	ovParams = []string{
		ParamOrganizationName,
		ParamOrganizationAddress,
		ParamOrganizationCity,
		ParamOrganizationState,
		ParamOrganizationCountry,
	}
	evParams = []string{
		ParamJurisdictionState,
		ParamJurisdictionCountry,
		ParamRegistrationNumber,
	}
	termParams = []string{
		ParamCertificateValidityInYears,
		ParamSlotSize,
	}

	optionalParams = []string{
		ParamJobTitle,
		ParamOrganizationPhone,
		ParamRegistrationAgent,
		ParamRootType,
	}
)

// RequiredParameters returns the product parameters which must be supplied
// for the given validation class, in the order they are checked.
func RequiredParameters(class ValidationClass) []string {
	var params []string

	switch class {
	case ClassDV:
		params = append(params, dvParams...)
	case ClassOV:
		params = append(params, dvParams...)
		params = append(params, ovParams...)
	case ClassEV:
		params = append(params, dvParams...)
		params = append(params, ovParams...)
		params = append(params, evParams...)
	default:
		return nil
	}

	return append(params, termParams...)
}

// BuildEnrollmentRequest validates an enrollment call and normalizes it into
// an EnrollmentRequest. All missing required parameters are reported in a
// single error wrapping ErrMissingParameters.
func BuildEnrollmentRequest(in *EnrollInput) (*EnrollmentRequest, error) {
	product := ProductType(strings.ToUpper(strings.TrimSpace(in.ProductID)))
	class := product.Class()
	if class == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProduct, in.ProductID)
	}

	req := &EnrollmentRequest{
		Intent:            in.Intent,
		ProductType:       product,
		RootType:          DefaultRootType,
		PriorSerialNumber: strings.TrimSpace(in.PriorSerialNumber),
	}

	var missing []string
	for _, key := range RequiredParameters(class) {
		value := strings.TrimSpace(in.ProductParameters[key])
		if value == "" {
			missing = append(missing, key)
			continue
		}

		if err := paramSetters[key](req, value); err != nil {
			return nil, err
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingParameters, strings.Join(missing, ", "))
	}

	for _, key := range optionalParams {
		if value := strings.TrimSpace(in.ProductParameters[key]); value != "" {
			if err := paramSetters[key](req, value); err != nil {
				return nil, err
			}
		}
	}

	if strings.TrimSpace(in.CSR) == "" {
		return nil, fmt.Errorf("%w: certificate signing request is required", ErrInvalidArgument)
	}
	req.CSR = in.CSR

	csr, err := parseCSR(in.CSR)
	if err != nil {
		return nil, err
	}

	req.CommonName = csr.Subject.CommonName
	if req.CommonName == "" {
		req.CommonName = commonNameFromDN(in.Subject)
	}
	if req.CommonName == "" {
		return nil, fmt.Errorf("%w: no common name in CSR or subject", ErrInvalidArgument)
	}

	req.SubjectAlternativeNames = flattenSANs(in.SANs)

	if err := req.Validate(); err != nil {
		return nil, err
	}

	return req, nil
}

// parseCSR decodes a PEM-encoded PKCS#10 certificate signing request.
func parseCSR(s string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("%w: certificate signing request is not PEM-encoded", ErrInvalidArgument)
	}

	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed certificate signing request: %v", ErrInvalidArgument, err)
	}

	return csr, nil
}

// commonNameFromDN extracts the CN attribute from a string distinguished
// name such as "CN=example.com,O=Example".
func commonNameFromDN(dn string) string {
	for _, rdn := range strings.Split(dn, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(rdn), "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), "CN") {
			return strings.TrimSpace(v)
		}
	}

	return ""
}

// flattenSANs returns the unique SAN values across all SAN types, sorted.
func flattenSANs(sans map[string][]string) []string {
	seen := make(map[string]struct{})
	var out []string

	for _, values := range sans {
		for _, v := range values {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}

	sort.Strings(out)

	return out
}

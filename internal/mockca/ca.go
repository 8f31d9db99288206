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
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/globalsign/pemfile"
)

// MockCA is a mock, non-production certificate vendor useful for testing
// purposes only. It serves a subset of the vendor certificate REST API and
// issues real certificates from its own CA certificates chain.
type MockCA struct {
	certs []*x509.Certificate
	key   interface{}

	mu         sync.Mutex
	issueAfter int
	orders     map[string]*order
	ids        []string
	cancels    []string
	attempts   map[string]int
}

// Global constants.
const (
	alphanumerics         = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	caCertificateDuration = time.Hour * 24 * 365 * 10
	defaultIssueAfter     = 1
)

// Global variables.
var (
	oidSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}
)

// CACerts returns the CA certificates, issuing CA first.
func (ca *MockCA) CACerts() []*x509.Certificate {
	return ca.certs
}

// SetIssueAfter sets the number of status polls for which an order remains
// pending before the certificate is issued.
func (ca *MockCA) SetIssueAfter(n int) {
	ca.mu.Lock()
	ca.issueAfter = n
	ca.mu.Unlock()
}

// Issue issues a one-year certificate for the CSR outside of any order.
func (ca *MockCA) Issue(csr *x509.CertificateRequest) (*x509.Certificate, error) {
	return ca.issue(csr, 1)
}

// issue issues a new certificate with:
//   - a validity of the given number of years from the current time
//   - a randomly generated 128-bit serial number
//   - a subject and subject alternative name copied from the provided CSR
//   - a default set of key usages and extended key usages
//   - a basic constraints extension with cA flag set to FALSE
func (ca *MockCA) issue(csr *x509.CertificateRequest, years int) (*x509.Certificate, error) {
	// Generate certificate template, copying the raw subject and raw
	// SubjectAltName extension from the CSR.
	sn, err := rand.Int(rand.Reader, big.NewInt(1).Exp(big.NewInt(2), big.NewInt(128), nil))
	if err != nil {
		return nil, fmt.Errorf("failed to make serial number: %w", err)
	}

	ski, err := makePublicKeyIdentifier(csr.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to make public key identifier: %w", err)
	}

	if years < 1 {
		years = 1
	}

	now := time.Now()
	notAfter := now.AddDate(years, 0, 0)
	if latest := ca.certs[0].NotAfter.Sub(notAfter); latest < 0 {
		// Don't issue any certificates which expire after the CA certificate.
		notAfter = ca.certs[0].NotAfter
	}

	var tmpl = &x509.Certificate{
		SerialNumber:          sn,
		NotBefore:             now,
		NotAfter:              notAfter,
		RawSubject:            csr.RawSubject,
		SubjectKeyId:          ski,
		BasicConstraintsValid: true,
		IsCA:                  false,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	for _, ext := range csr.Extensions {
		if ext.Id.Equal(oidSubjectAltName) {
			tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, ext)
			break
		}
	}

	// Create and return certificate.
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.certs[0], csr.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return cert, nil
}

// New creates a new mock certificate vendor. If more than one CA certificate
// is provided, they should be in order with the issuing (intermediate) CA
// certificate first, and the root CA certificate last. The private key should
// be associated with the public key in the first, issuing CA certificate.
func New(cacerts []*x509.Certificate, key interface{}) (*MockCA, error) {
	if len(cacerts) < 1 {
		return nil, errors.New("no CA certificates provided")
	} else if key == nil {
		return nil, errors.New("no private key provided")
	}

	for i := range cacerts {
		if !cacerts[i].IsCA {
			return nil, fmt.Errorf("certificate at index %d is not a CA certificate", i)
		}
	}

	return &MockCA{
		certs:      cacerts,
		key:        key,
		issueAfter: defaultIssueAfter,
		orders:     make(map[string]*order),
		attempts:   make(map[string]int),
	}, nil
}

// NewFromFiles creates a new mock certificate vendor from a PEM-encoded CA
// certificates chain and a (unencrypted) PEM-encoded private key contained
// in files. If more than one certificate is contained in the file, the
// certificates should appear in order with the issuing (intermediate) CA
// certificate first, and the root certificate last. The private key should be
// associated with the public key in the first certificate in certspath.
func NewFromFiles(certspath, keypath string) (*MockCA, error) {
	certs, err := pemfile.ReadCerts(certspath)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA certificates from file: %w", err)
	}

	key, err := pemfile.ReadPrivateKey(keypath)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA private key from file: %w", err)
	}

	return New(certs, key)
}

// NewTransient creates a new mock certificate vendor with an automatically
// generated and transient CA certificates chain for testing purposes.
func NewTransient() (*MockCA, error) {
	// Generate a random element for the CA subject common names.
	randomSuffix, err := makeRandomIdentifier(8)
	if err != nil {
		return nil, err
	}

	// Generate root CA private key and certificate.
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate root CA private key: %w", err)
	}

	rootKI, err := makePublicKeyIdentifier(rootKey.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to make root CA public key identifier: %w", err)
	}

	now := time.Now()

	var tmpl = &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             now,
		NotAfter:              now.Add(caCertificateDuration),
		Subject:               pkix.Name{CommonName: "Non-Production Testing Root CA " + randomSuffix},
		SubjectKeyId:          rootKI,
		AuthorityKeyId:        rootKI,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	rootDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, rootKey.Public(), rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create root CA certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse root CA certificate: %w", err)
	}

	// Generate intermediate CA private key and certificate.
	interKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate intermediate CA private key: %w", err)
	}

	interKI, err := makePublicKeyIdentifier(interKey.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to make intermediate CA public key identifier: %w", err)
	}

	tmpl = &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		NotBefore:             now,
		NotAfter:              now.Add(caCertificateDuration),
		Subject:               pkix.Name{CommonName: "Non-Production Testing Intermediate CA " + randomSuffix},
		SubjectKeyId:          interKI,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	interDER, err := x509.CreateCertificate(rand.Reader, tmpl, rootCert, interKey.Public(), rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create intermediate CA certificate: %w", err)
	}

	interCert, err := x509.ParseCertificate(interDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse intermediate CA certificate: %w", err)
	}

	return New([]*x509.Certificate{interCert, rootCert}, interKey)
}

// makePublicKeyIdentifier builds a public key identifier in accordance with the
// first method described in RFC5280 section 4.2.1.2.
func makePublicKeyIdentifier(pub crypto.PublicKey) ([]byte, error) {
	keyBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}

	id := sha1.Sum(keyBytes)

	return id[:], nil
}

// makeRandomIdentifier makes a random alphanumeric identifier of length n.
func makeRandomIdentifier(n int) (string, error) {
	var id = make([]byte, n)

	for i := range id {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphanumerics))))
		if err != nil {
			return "", fmt.Errorf("failed to generate random number: %w", err)
		}

		id[i] = alphanumerics[idx.Int64()]
	}

	return string(id), nil
}

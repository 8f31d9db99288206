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

// Package certstore implements a database-backed certificate store which
// serves as both the certificate lookup and the certificate sink of a
// caplugin.Plugin.
package certstore

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	caplugin "github.com/Keyfactor/godaddy-caplugin"
	"github.com/Keyfactor/godaddy-caplugin/internal/alogger"
)

// Supported database types.
const (
	TypePostgres = "postgres"
	TypeSQLite   = "sqlite"
)

// Store is a database-backed certificate store.
type Store struct {
	conn   *gorm.DB
	logger caplugin.Logger
}

var (
	_ caplugin.CertificateLookup = (*Store)(nil)
	_ caplugin.CertificateSink   = (*Store)(nil)
)

// Open connects to the database of the given type and migrates the schema.
func Open(kind, dsn string, logger caplugin.Logger) (*Store, error) {
	var dialector gorm.Dialector

	switch kind {
	case TypePostgres:
		dialector = postgres.Open(dsn)

	case TypeSQLite, "":
		dialector = sqlite.Open(dsn)

	default:
		return nil, fmt.Errorf("unsupported database type: %s", kind)
	}

	if logger == nil {
		logger = alogger.NewNop()
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger: alogger.NewGormLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", kind, err)
	}

	if err := conn.AutoMigrate(&Certificate{}); err != nil {
		return nil, fmt.Errorf("failed to migrate certificate table: %w", err)
	}

	return &Store{conn: conn, logger: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RequestIDBySerialNumber returns the vendor request identifier of the
// certificate with the given hex serial number.
func (s *Store) RequestIDBySerialNumber(ctx context.Context, serial string) (string, bool, error) {
	var rec Certificate

	err := s.conn.WithContext(ctx).
		Where("serial_number = ?", normalizeSerial(serial)).
		Order("not_after desc").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("failed to look up serial number: %w", err)
	}

	return rec.RequestID, true, nil
}

// ExpirationByRequestID returns the expiry time of the certificate with the
// given vendor request identifier.
func (s *Store) ExpirationByRequestID(ctx context.Context, requestID string) (time.Time, bool, error) {
	rec, found, err := s.Get(ctx, requestID)
	if err != nil || !found || rec.NotAfter.IsZero() {
		return time.Time{}, false, err
	}

	return rec.NotAfter, true, nil
}

// Get returns the stored certificate with the given vendor request
// identifier.
func (s *Store) Get(ctx context.Context, requestID string) (*Certificate, bool, error) {
	var rec Certificate

	err := s.conn.WithContext(ctx).Where("request_id = ?", requestID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("failed to look up request ID: %w", err)
	}

	return &rec, true, nil
}

// Save inserts or updates the certificate with the record's request
// identifier. A record without a certificate updates only the status,
// product and revocation date of an existing entry.
func (s *Store) Save(ctx context.Context, rec *caplugin.CertificateRecord) error {
	if rec == nil || rec.RequestID == "" {
		return errors.New("certificate record has no request ID")
	}

	existing, found, err := s.Get(ctx, rec.RequestID)
	if err != nil {
		return err
	}

	if !found {
		existing = &Certificate{RequestID: rec.RequestID}
	}

	existing.Status = int(rec.Status)
	if rec.ProductID != "" {
		existing.ProductID = rec.ProductID
	}
	if rec.RevocationDate != nil {
		revokedAt := rec.RevocationDate.UTC()
		existing.RevokedAt = &revokedAt
	}

	if rec.Certificate != "" {
		cert, err := parseCertificate(rec.Certificate)
		if err != nil {
			return err
		}

		existing.PEM = rec.Certificate
		existing.SerialNumber = fmt.Sprintf("%X", cert.SerialNumber)
		existing.CommonName = cert.Subject.CommonName
		existing.NotBefore = cert.NotBefore.UTC()
		existing.NotAfter = cert.NotAfter.UTC()
	}

	if err := s.conn.WithContext(ctx).Save(existing).Error; err != nil {
		return fmt.Errorf("failed to save certificate %s: %w", rec.RequestID, err)
	}

	s.logger.Debugw("certificate saved",
		"RequestID", existing.RequestID,
		"SerialNumber", existing.SerialNumber,
		"Status", existing.Status,
	)

	return nil
}

// parseCertificate parses the first certificate in a PEM string.
func parseCertificate(s string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no PEM certificate found")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return cert, nil
}

// normalizeSerial converts a hex serial number to upper case without
// separators or leading zeros.
func normalizeSerial(serial string) string {
	serial = strings.ToUpper(strings.TrimSpace(serial))
	serial = strings.ReplaceAll(serial, ":", "")
	serial = strings.TrimLeft(serial, "0")
	if serial == "" {
		return "0"
	}
	return serial
}

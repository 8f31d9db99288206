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

package main

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	caplugin "github.com/Keyfactor/godaddy-caplugin"
)

// message is a plain status line.
type message string

// maybeRedirect returns the provided io.Writer if filename is the empty
// string, otherwise it opens and returns the named file, creating it with
// the specified permissions if it doesn't exist. The caller is responsible
// for closing the file with the returned function.
func maybeRedirect(w io.Writer, filename string, perm os.FileMode) (io.Writer, func() error, error) {
	if filename == "" {
		return w, func() error { return nil }, nil
	}

	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file: %w", err)
	}

	return f, f.Close, nil
}

// writeResult writes the result of a command in the given format.
func writeResult(w io.Writer, format string, result interface{}) error {
	if format == formatJSON {
		return writeJSON(w, result)
	}

	switch v := result.(type) {
	case message:
		_, err := fmt.Fprintln(w, string(v))
		return err

	case []string:
		_, err := fmt.Fprintln(w, strings.Join(v, "\n"))
		return err

	case []*x509.Certificate:
		return writePEM(w, v)

	case *caplugin.EnrollmentResult:
		fmt.Fprintf(w, "Request ID: %s\n", v.RequestID)
		fmt.Fprintf(w, "Status:     %s\n", v.Status)
		if v.StatusMessage != "" {
			fmt.Fprintf(w, "Message:    %s\n", v.StatusMessage)
		}
		_, err := io.WriteString(w, v.Certificate)
		return err

	case *caplugin.CertificateRecord:
		fmt.Fprintf(w, "Request ID: %s\n", v.RequestID)
		fmt.Fprintf(w, "Status:     %s\n", v.Status)
		if v.ProductID != "" {
			fmt.Fprintf(w, "Product:    %s\n", v.ProductID)
		}
		if v.RevocationDate != nil {
			fmt.Fprintf(w, "Revoked:    %s\n", v.RevocationDate.Format("2006-01-02 15:04:05 MST"))
		}
		_, err := io.WriteString(w, v.Certificate)
		return err

	case *caplugin.RevokeResponse:
		_, err := fmt.Fprintf(w, "Request ID: %s\nStatus:     %s\n", v.RequestID, v.Status)
		return err

	case *caplugin.SyncResponse:
		_, err := fmt.Fprintf(w, "Synchronized %d certificates\n", v.Certificates)
		return err

	case *caplugin.AnnotationsResponse:
		fmt.Fprintln(w, "Connection properties:")
		writeAnnotations(w, v.Connector)
		fmt.Fprintln(w, "Template parameters:")
		writeAnnotations(w, v.TemplateParameters)
		return nil
	}

	return writeJSON(w, result)
}

// writeAnnotations writes property annotations sorted by name.
func writeAnnotations(w io.Writer, annotations map[string]caplugin.PropertyConfigInfo) {
	names := make([]string, 0, len(annotations))
	for name := range annotations {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		info := annotations[name]
		fmt.Fprintf(w, "    %-28s %-8s %s\n", name, info.Type, info.Comments)
	}
}

// writeJSON writes indented JSON. Certificates are written as PEM strings.
func writeJSON(w io.Writer, result interface{}) error {
	if certs, ok := result.([]*x509.Certificate); ok {
		pems := make([]string, 0, len(certs))
		for _, cert := range certs {
			pems = append(pems, string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})))
		}
		result = pems
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")

	return enc.Encode(result)
}

// writePEM writes certificates in PEM format.
func writePEM(w io.Writer, certs []*x509.Certificate) error {
	for _, cert := range certs {
		if err := pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
			return fmt.Errorf("failed to write PEM: %w", err)
		}
	}

	return nil
}

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
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"
)

var httpTimeFormats = []string{
	time.RFC1123,
	time.RFC1123Z,
	time.RFC850,
	time.ANSIC,
}

// parseHTTPTime attempts to parse an HTTP-time against a selection of layouts.
func parseHTTPTime(s string) (time.Time, error) {
	// Per RFC7231, a recipient that parses a timestamp value in an HTTP
	// header field must accept all three of the layouts:
	//
	//  - Sun, 06 Nov 1994 08:49:37 GMT    ; IMF-fixdate
	//  - Sunday, 06-Nov-94 08:49:37 GMT   ; obsolete RFC 850 format
	//  - Sun Nov  6 08:49:37 1994         ; ANSI C's asctime() format
	//
	// Here, time.RFC1123 is a close enough proxy for IMF-fixdate.
	for _, layout := range httpTimeFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, errors.New("failed to parse time")
}

// verifyResponseType verifies if the content-type of an HTTP response is as
// expected. It returns a normal error and is intended to be used by client
// code.
func verifyResponseType(r *http.Response, t string) error {
	ctype, _, err := mime.ParseMediaType(r.Header.Get(contentTypeHeader))
	if err != nil {
		return fmt.Errorf("missing or malformed %s header: %w", contentTypeHeader, err)
	}

	if !strings.HasPrefix(ctype, t) {
		return fmt.Errorf("unexpected %s: %s", contentTypeHeader, ctype)
	}

	return nil
}

// verifyRequestType verifies if the content-type of an HTTP request is as
// expected. It returns an error implementing Error and is intended to be used
// by server code.
func verifyRequestType(have, want string) error {
	mediaType, _, err := mime.ParseMediaType(have)
	if err != nil {
		return &pluginError{
			status: http.StatusUnsupportedMediaType,
			desc:   fmt.Sprintf("malformed or missing %s header", contentTypeHeader),
		}
	}
	if !strings.HasPrefix(mediaType, want) {
		return &pluginError{
			status: http.StatusUnsupportedMediaType,
			desc:   fmt.Sprintf("%s must be %s", contentTypeHeader, want),
		}
	}

	return nil
}

// writeResponse writes headers, a status code, and an object containing the
// body to an HTTP response. Certificates are encoded as a base64 PKCS#7
// certs-only structure, byte slices are written as is, and any other object
// is encoded as JSON.
func writeResponse(w http.ResponseWriter, status int, obj interface{}) {
	var body []byte
	var contentType string
	var err error

	switch t := obj.(type) {
	case []*x509.Certificate:
		contentType = mimeTypePKCS7CertsOnly
		if body, err = encodePKCS7CertsOnly(t); err == nil {
			w.Header().Set(transferEncodingHeader, encodingTypeBase64)
			body = base64Encode(body)
		}

	case []byte:
		contentType = mimeTypeTextPlainUTF8
		body = t

	default:
		contentType = mimeTypeJSON
		if body, err = json.Marshal(t); err == nil {
			body = append(body, '\n')
		}
	}

	if err != nil {
		errInternal.Write(w)
		return
	}

	w.Header().Set(contentTypeHeader, contentType)
	w.WriteHeader(status)
	w.Write(body)
}

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
	"net/http"

	caplugin "github.com/Keyfactor/godaddy-caplugin"
)

// vendorError is the body of a vendor error response.
type vendorError struct {
	Code    string                `json:"code"`
	Fields  []caplugin.ErrorField `json:"fields,omitempty"`
	Message string                `json:"message"`
}

// writeError writes a vendor error response.
func writeError(w http.ResponseWriter, status int, code, msg string, fields ...caplugin.ErrorField) {
	writeJSON(w, status, &vendorError{
		Code:    code,
		Fields:  fields,
		Message: msg,
	})
}

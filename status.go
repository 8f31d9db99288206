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
	"strconv"
)

// EndEntityStatus is the generic status of a certificate request as reported
// to the host. Values follow the EJBCA end-entity status numbering.
type EndEntityStatus int

// End-entity status values.
const (
	StatusFailed    EndEntityStatus = 11
	StatusInProcess EndEntityStatus = 30
	StatusGenerated EndEntityStatus = 40
	StatusRevoked   EndEntityStatus = 50
	StatusCancelled EndEntityStatus = 90
)

// Vendor certificate lifecycle status values.
const (
	VendorStatusCanceled          = "CANCELED"
	VendorStatusDenied            = "DENIED"
	VendorStatusIssued            = "ISSUED"
	VendorStatusPendingIssuance   = "PENDING_ISSUANCE"
	VendorStatusPendingRekey      = "PENDING_REKEY"
	VendorStatusPendingRevocation = "PENDING_REVOCATION"
	VendorStatusRevoked           = "REVOKED"
)

var statusNames = map[EndEntityStatus]string{
	StatusFailed:    "Failed",
	StatusInProcess: "InProcess",
	StatusGenerated: "Generated",
	StatusRevoked:   "Revoked",
	StatusCancelled: "Cancelled",
}

// String returns the name of the status.
func (s EndEntityStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return "EndEntityStatus(" + strconv.Itoa(int(s)) + ")"
}

// MapVendorStatus maps a vendor lifecycle status to a generic end-entity
// status. Unknown values map to StatusFailed.
func MapVendorStatus(status string) EndEntityStatus {
	switch status {
	case VendorStatusCanceled:
		return StatusCancelled

	case VendorStatusDenied:
		return StatusFailed

	case VendorStatusIssued:
		return StatusGenerated

	case VendorStatusPendingIssuance, VendorStatusPendingRekey, VendorStatusPendingRevocation:
		return StatusInProcess

	case VendorStatusRevoked:
		return StatusRevoked

	default:
		return StatusFailed
	}
}

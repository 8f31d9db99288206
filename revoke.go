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
	"time"
)

// RevokeReason is a vendor revocation reason.
type RevokeReason string

// Vendor revocation reasons.
const (
	RevokeAffiliationChanged   RevokeReason = "AFFILIATION_CHANGED"
	RevokeCessationOfOperation RevokeReason = "CESSATION_OF_OPERATION"
	RevokeKeyCompromise        RevokeReason = "KEY_COMPROMISE"
	RevokePrivilegeWithdrawn   RevokeReason = "PRIVILEGE_WITHDRAWN"
	RevokeSuperseded           RevokeReason = "SUPERSEDED"
)

// RFC 5280 CRLReason codes supported by the vendor.
var revokeReasons = map[uint]RevokeReason{
	1: RevokeKeyCompromise,
	3: RevokeAffiliationChanged,
	4: RevokeSuperseded,
	5: RevokeCessationOfOperation,
	9: RevokePrivilegeWithdrawn,
}

// RevokeReasonFromCode maps an RFC 5280 CRLReason code to the vendor
// reason. Codes the vendor does not accept are invalid-argument errors.
func RevokeReasonFromCode(code uint) (RevokeReason, error) {
	reason, ok := revokeReasons[code]
	if !ok {
		return "", fmt.Errorf("%w: unsupported revocation reason code %d", ErrInvalidArgument, code)
	}

	return reason, nil
}

// CertificateRecord is a certificate as reported to the host.
type CertificateRecord struct {
	RequestID      string          `json:"requestId"`
	Certificate    string          `json:"certificate,omitempty"`
	Status         EndEntityStatus `json:"status"`
	ProductID      string          `json:"productId,omitempty"`
	RevocationDate *time.Time      `json:"revocationDate,omitempty"`
}

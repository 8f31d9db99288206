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

package certstore

import (
	"time"
)

// Certificate is a certificate known to the gateway, keyed by the vendor
// request identifier.
type Certificate struct {
	ID           uint   `gorm:"primaryKey"`
	RequestID    string `gorm:"uniqueIndex;not null"`
	SerialNumber string `gorm:"index"`
	ProductID    string
	Status       int `gorm:"not null"`
	CommonName   string
	NotBefore    time.Time
	NotAfter     time.Time
	RevokedAt    *time.Time
	PEM          string `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

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
	"strconv"
	"strings"
)

// Connection property keys.
const (
	ConfigAPIKey    = "ApiKey"
	ConfigAPISecret = "ApiSecret"
	ConfigBaseURL   = "BaseUrl"
	ConfigShopperID = "ShopperId"
	ConfigEnabled   = "Enabled"
)

// DefaultBaseURL is the production vendor API.
const DefaultBaseURL = "https://api.godaddy.com"

// Config is the vendor connection configuration of a Plugin.
type Config struct {
	APIKey    string `json:"apiKey" yaml:"apiKey"`
	APISecret string `json:"apiSecret" yaml:"apiSecret"`
	BaseURL   string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	ShopperID string `json:"shopperId" yaml:"shopperId"`

	// Enabled controls whether the gateway performs any vendor operations.
	// A disabled gateway allows the CA to be created before the connection
	// details are available.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// RequestsPerMinute bounds outbound vendor requests. If zero,
	// DefaultRequestsPerMinute is used.
	RequestsPerMinute int `json:"requestsPerMinute,omitempty" yaml:"requestsPerMinute,omitempty"`
}

// PropertyConfigInfo describes a configurable property to the host UI.
type PropertyConfigInfo struct {
	Comments     string      `json:"comments"`
	Hidden       bool        `json:"hidden"`
	DefaultValue interface{} `json:"defaultValue"`
	Type         string      `json:"type"`
}

// ConfigFromProperties builds a Config from a host property bag. String
// values "true" and "false" are accepted for Enabled, which defaults to
// true when absent.
func ConfigFromProperties(props map[string]interface{}) (Config, error) {
	cfg := Config{
		BaseURL: DefaultBaseURL,
		Enabled: true,
	}

	var err error
	for key, dst := range map[string]*string{
		ConfigAPIKey:    &cfg.APIKey,
		ConfigAPISecret: &cfg.APISecret,
		ConfigBaseURL:   &cfg.BaseURL,
		ConfigShopperID: &cfg.ShopperID,
	} {
		v, ok := props[key]
		if !ok || v == nil {
			continue
		}

		s, ok := v.(string)
		if !ok {
			return Config{}, fmt.Errorf("%w: property %s must be a string", ErrInvalidArgument, key)
		}

		if s = strings.TrimSpace(s); s != "" {
			*dst = s
		}
	}

	if v, ok := props[ConfigEnabled]; ok && v != nil {
		if cfg.Enabled, err = propertyBool(v); err != nil {
			return Config{}, fmt.Errorf("%w: property %s: %v", ErrInvalidArgument, ConfigEnabled, err)
		}
	}

	return cfg, nil
}

// Validate checks that an enabled configuration carries everything needed
// to reach the vendor.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	var missing []string
	if c.APIKey == "" {
		missing = append(missing, ConfigAPIKey)
	}
	if c.APISecret == "" {
		missing = append(missing, ConfigAPISecret)
	}
	if c.ShopperID == "" {
		missing = append(missing, ConfigShopperID)
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: missing connection properties: %s", ErrInvalidArgument, strings.Join(missing, ", "))
	}

	return nil
}

func propertyBool(v interface{}) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil

	case string:
		return strconv.ParseBool(strings.TrimSpace(t))
	}

	return false, fmt.Errorf("unsupported type %T", v)
}

// ConnectorAnnotations describes the connection properties.
func ConnectorAnnotations() map[string]PropertyConfigInfo {
	return map[string]PropertyConfigInfo{
		ConfigAPIKey: {
			Comments:     "The API Key for the GoDaddy API",
			Hidden:       true,
			DefaultValue: "",
			Type:         "String",
		},
		ConfigAPISecret: {
			Comments:     "The API Secret for the GoDaddy API",
			Hidden:       true,
			DefaultValue: "",
			Type:         "String",
		},
		ConfigBaseURL: {
			Comments:     "The Base URL for the GoDaddy API - Usually either https://api.godaddy.com or https://api.ote-godaddy.com",
			DefaultValue: DefaultBaseURL,
			Type:         "String",
		},
		ConfigShopperID: {
			Comments:     "The Shopper ID of the GoDaddy account to use for the API calls (ex: 1234567890) - has a max length of 10 digits",
			DefaultValue: "",
			Type:         "String",
		},
		ConfigEnabled: {
			Comments:     "Flag to Enable or Disable gateway functionality. Disabling is primarily used to allow creation of the CA prior to configuration information being available.",
			DefaultValue: true,
			Type:         "Boolean",
		},
	}
}

// TemplateParameterAnnotations describes the product parameters.
func TemplateParameterAnnotations() map[string]PropertyConfigInfo {
	str := func(comments string) PropertyConfigInfo {
		return PropertyConfigInfo{Comments: comments, DefaultValue: "", Type: "String"}
	}

	return map[string]PropertyConfigInfo{
		ParamJobTitle: str("The job title of the certificate requestor"),
		ParamCertificateValidityInYears: {
			Comments:     "Number of years the certificate will be valid for",
			DefaultValue: "1",
			Type:         "Number",
		},
		ParamLastName:  str("Last name of the certificate requestor"),
		ParamFirstName: str("First name of the certificate requestor"),
		ParamEmail:     str("Email address of the requestor"),
		ParamPhone:     str("Phone number of the requestor"),
		ParamSlotSize: {
			Comments:     "Maximum number of SANs that a certificate may have - valid values are [FIVE, TEN, FIFTEEN, TWENTY, THIRTY, FOURTY, FIFTY, ONE_HUNDRED]",
			DefaultValue: "FIVE",
			Type:         "String",
		},
		ParamOrganizationName:    str("Name of the organization to be validated against"),
		ParamOrganizationAddress: str("Address of the organization to be validated against"),
		ParamOrganizationCity:    str("City of the organization to be validated against"),
		ParamOrganizationState:   str("Full state name of the organization to be validated against"),
		ParamOrganizationCountry: str("2 character abbreviation of the country of the organization to be validated against"),
		ParamOrganizationPhone:   str("Phone number of the organization to be validated against"),
		ParamRegistrationAgent:   str("Registration agent name assigned to the organization when its documents were filed for registration"),
		ParamRegistrationNumber:  str("Registration number assigned to the organization when its documents were filed for registration"),
		ParamJurisdictionState:   str("State or province in which an EV organization is incorporated"),
		ParamJurisdictionCountry: str("2 character abbreviation of the country in which an EV organization is incorporated"),
		ParamRootType: {
			Comments:     "Root certificate the certificate chains to - valid values are [GODADDY_SHA_1, GODADDY_SHA_2, STARFIELD_SHA_1, STARFIELD_SHA_2]",
			DefaultValue: string(DefaultRootType),
			Type:         "String",
		},
	}
}

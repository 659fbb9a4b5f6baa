package portal

import (
	"encoding/json"
	"strings"
	"time"
)

// JSON:API envelope types shared by every typed RPC below. Grounded on
// the teacher's pkg/appstore/appstore.go, which models the same envelope
// shape for Apple's App Store Connect API — the Developer Portal's own
// JSON responses follow an equivalent Data/Links/Meta structure.
type Links struct {
	Self    string `json:"self"`
	Related string `json:"related,omitempty"`
}

type pagedLinks struct {
	First string `json:"first"`
	Next  string `json:"next"`
	Self  string `json:"self"`
}

type meta struct {
	Paging struct {
		Total int `json:"total"`
		Limit int `json:"limit"`
	} `json:"paging"`
}

// Date unmarshals the handful of timestamp formats Apple's endpoints use.
type Date time.Time

func (d *Date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05.000+00:00", "2006-01-02T15:04:05-07:00", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			*d = Date(t)
			return nil
		}
	}
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) { return json.Marshal(time.Time(d)) }
func (d Date) Before(now time.Time) bool    { return time.Time(d).Before(now) }

// Team mirrors the spec's TeamContext identity fields (name/teamID come
// from the Developer Portal's team-selection response after login).
type Team struct {
	ID   string `json:"teamId"`
	Name string `json:"name"`
	Type string `json:"type"` // individual, company/organization, enterprise
}

// CertificateType enumerates the handful of signing-certificate kinds
// WarpSign cares about (grounded on pkg/appstore/cert.go's fuller list,
// trimmed to what an iOS re-signer ever requests).
type CertificateType string

const (
	CertIOSDevelopment  CertificateType = "IOS_DEVELOPMENT"
	CertIOSDistribution CertificateType = "IOS_DISTRIBUTION"
	CertDevelopment     CertificateType = "DEVELOPMENT"
	CertDistribution    CertificateType = "DISTRIBUTION"
)

type Certificate struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		CertificateContent []byte          `json:"certificateContent"`
		DisplayName        string          `json:"displayName"`
		ExpirationDate     Date            `json:"expirationDate"`
		Name               string          `json:"name"`
		SerialNumber       string          `json:"serialNumber"`
		CertificateType    CertificateType `json:"certificateType"`
	} `json:"attributes"`
}

func (c Certificate) IsExpired() bool { return c.Attributes.ExpirationDate.Before(time.Now()) }

// BundleIDPlatform restricts identifier registration to iOS, the only
// platform WarpSign signs for.
type BundleIDPlatform string

const IOS BundleIDPlatform = "IOS"

// CapabilityType enumerates Apple's capability taxonomy. Values are
// grounded verbatim on pkg/appstore/bundle.go's capabilityType constants,
// which in turn mirror Apple's own API documentation.
type CapabilityType string

const (
	CapabilityICloud                    CapabilityType = "ICLOUD"
	CapabilityInAppPurchase             CapabilityType = "IN_APP_PURCHASE"
	CapabilityGameCenter                CapabilityType = "GAME_CENTER"
	CapabilityPushNotifications         CapabilityType = "PUSH_NOTIFICATIONS"
	CapabilityWallet                    CapabilityType = "WALLET"
	CapabilityInterAppAudio             CapabilityType = "INTER_APP_AUDIO"
	CapabilityMaps                      CapabilityType = "MAPS"
	CapabilityAssociatedDomains         CapabilityType = "ASSOCIATED_DOMAINS"
	CapabilityPersonalVPN               CapabilityType = "PERSONAL_VPN"
	CapabilityAppGroups                 CapabilityType = "APP_GROUPS"
	CapabilityHealthKit                 CapabilityType = "HEALTHKIT"
	CapabilityHomeKit                   CapabilityType = "HOMEKIT"
	CapabilityWirelessAccessoryConfig   CapabilityType = "WIRELESS_ACCESSORY_CONFIGURATION"
	CapabilityApplePay                  CapabilityType = "APPLE_PAY"
	CapabilityDataProtection            CapabilityType = "DATA_PROTECTION"
	CapabilitySiriKit                   CapabilityType = "SIRIKIT"
	CapabilityNetworkExtensions         CapabilityType = "NETWORK_EXTENSIONS"
	CapabilityMultipath                 CapabilityType = "MULTIPATH"
	CapabilityHotspot                   CapabilityType = "HOT_SPOT"
	CapabilityNFCTagReading             CapabilityType = "NFC_TAG_READING"
	CapabilityClassKit                  CapabilityType = "CLASSKIT"
	CapabilityAutoFillCredentialProvider CapabilityType = "AUTOFILL_CREDENTIAL_PROVIDER"
	CapabilityAccessWifiInformation     CapabilityType = "ACCESS_WIFI_INFORMATION"
	CapabilitySignInWithApple           CapabilityType = "APPLE_ID_AUTH"
)

// CapabilitySetting models the nested settings/options payload some
// capabilities require when enabled (Push Notifications, iCloud, Data
// Protection, Sign In with Apple). Grounded on original_source's
// CAPABILITY_SETTINGS table (developer_portal_api.py).
type CapabilitySetting struct {
	Key     string   `json:"key"`
	Options []string `json:"options"`
}

type BundleIdCapability struct {
	ID         string `json:"id,omitempty"`
	Type       string `json:"type"`
	Attributes struct {
		CapabilityType CapabilityType      `json:"capabilityType"`
		Settings       []CapabilitySetting `json:"settings,omitempty"`
	} `json:"attributes"`
}

// Identifier mirrors the spec's identifier entity: a registered App ID
// and the capabilities currently enabled on it.
type Identifier struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		Identifier string           `json:"identifier"`
		Name       string           `json:"name"`
		Platform   BundleIDPlatform `json:"platform"`
		SeedID     string           `json:"seedId,omitempty"`
	} `json:"attributes"`
}

type AppGroup struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		GroupIdentifier string `json:"groupIdentifier"`
		Name            string `json:"name"`
	} `json:"attributes"`
}

type Device struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		Name       string `json:"name"`
		UDID       string `json:"udid"`
		Platform   string `json:"platform"`
		DeviceClass string `json:"deviceClass"`
		Status     string `json:"status"`
	} `json:"attributes"`
}

// ProfileType enumerates the provisioning-profile kinds WarpSign can
// request, grounded on pkg/appstore/profile.go's ProfileType enum
// trimmed to iOS.
type ProfileType string

const (
	ProfileIOSAppDevelopment ProfileType = "IOS_APP_DEVELOPMENT"
	ProfileIOSAppStore       ProfileType = "IOS_APP_STORE"
	ProfileIOSAppAdHoc       ProfileType = "IOS_APP_ADHOC"
	ProfileIOSAppInHouse     ProfileType = "IOS_APP_INHOUSE"
)

type Profile struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		Name           string      `json:"name"`
		ProfileContent []byte      `json:"profileContent"`
		UUID           string      `json:"uuid"`
		Platform       string      `json:"platform"`
		ProfileState   string      `json:"profileState"`
		ProfileType    ProfileType `json:"profileType"`
		ExpirationDate Date        `json:"expirationDate"`
		CreatedDate    Date        `json:"createdDate"`
	} `json:"attributes"`
	Relationships struct {
		BundleID     relationship `json:"bundleId"`
		Certificates relationship `json:"certificates"`
		Devices      relationship `json:"devices"`
	} `json:"relationships"`
}

func (p Profile) IsExpired() bool { return p.Attributes.ExpirationDate.Before(time.Now()) }
func (p Profile) IsInvalid() bool { return p.Attributes.ProfileState == "INVALID" }

type relationship struct {
	Data []struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"data"`
	Meta meta `json:"meta"`
}

type errorsResponse struct {
	Errors []struct {
		Status string `json:"status"`
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (e *errorsResponse) Error() string {
	if len(e.Errors) == 0 {
		return "portal: unknown JSON:API error"
	}
	return "portal: " + e.Errors[0].Detail
}

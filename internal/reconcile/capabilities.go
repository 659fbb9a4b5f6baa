package reconcile

import "github.com/warpsign/warpsign/internal/portal"

// CapabilityMapping names the entitlement keys a single Apple capability
// gates. The table is data-driven rather than switch/if-chained: a caller
// may supply its own table in TeamContext.CapabilityTable instead of
// DefaultCapabilities. The config file's [capabilities] table
// (internal/config.Capabilities) is parsed but not applied here; the
// orchestrator always reconciles against DefaultCapabilities.
//
// Grounded on original_source/src/apple/capability_mappings.py's
// CAPABILITY_MAPPING dict, trimmed to the entitlement families WarpSign's
// reconciler actually needs to classify (iOS-only; the original also
// carries macOS-only entries WarpSign never sees in an .ipa).
type CapabilityMapping struct {
	Capability portal.CapabilityType
	Keys       []string
	Settings   []portal.CapabilitySetting
}

// DefaultCapabilities is the built-in capability table, used whenever
// TeamContext.CapabilityTable is nil.
var DefaultCapabilities = []CapabilityMapping{
	{Capability: portal.CapabilityICloud, Keys: []string{
		"com.apple.developer.ubiquity-kvstore-identifier",
		"com.apple.developer.ubiquity-container-identifiers",
		"com.apple.developer.icloud-services",
		"com.apple.developer.icloud-container-environment",
		"com.apple.developer.icloud-container-identifiers",
		"com.apple.developer.icloud-container-development-container-identifiers",
	}, Settings: []portal.CapabilitySetting{{Key: "ICLOUD_VERSION", Options: []string{"XCODE_6"}}}},

	{Capability: portal.CapabilityAppGroups, Keys: []string{
		"com.apple.security.application-groups",
	}},

	{Capability: portal.CapabilityPushNotifications, Keys: []string{
		"com.apple.developer.aps-environment", "aps-environment",
	}, Settings: []portal.CapabilitySetting{{Key: "PUSH_NOTIFICATION_FEATURES", Options: []string{"PUSH_NOTIFICATION_FEATURE_BROADCAST"}}}},

	{Capability: portal.CapabilityWallet, Keys: []string{
		"com.apple.developer.pass-type-identifiers",
	}},

	{Capability: portal.CapabilityGameCenter, Keys: []string{
		"com.apple.developer.game-center",
	}},

	{Capability: portal.CapabilityHealthKit, Keys: []string{
		"com.apple.developer.healthkit",
		"com.apple.developer.healthkit.access",
		"com.apple.developer.healthkit.background-delivery",
	}},

	{Capability: portal.CapabilityHomeKit, Keys: []string{
		"com.apple.developer.homekit",
	}},

	{Capability: portal.CapabilityWirelessAccessoryConfig, Keys: []string{
		"com.apple.external-accessory.wireless-configuration",
	}},

	{Capability: portal.CapabilityApplePay, Keys: []string{
		"com.apple.developer.in-app-payments",
	}},

	{Capability: portal.CapabilityDataProtection, Keys: []string{
		"com.apple.developer.default-data-protection",
	}, Settings: []portal.CapabilitySetting{{Key: "DATA_PROTECTION_PERMISSION_LEVEL", Options: []string{"COMPLETE_PROTECTION"}}}},

	{Capability: portal.CapabilitySiriKit, Keys: []string{
		"com.apple.developer.siri",
	}},

	{Capability: portal.CapabilityNetworkExtensions, Keys: []string{
		"com.apple.developer.networking.networkextension",
	}},

	{Capability: portal.CapabilityMultipath, Keys: []string{
		"com.apple.developer.networking.multipath",
	}},

	{Capability: portal.CapabilityHotspot, Keys: []string{
		"com.apple.developer.networking.HotspotConfiguration",
	}},

	{Capability: portal.CapabilityNFCTagReading, Keys: []string{
		"com.apple.developer.nfc.readersession.formats",
	}},

	{Capability: portal.CapabilityClassKit, Keys: []string{
		"com.apple.developer.ClassKit-environment",
	}},

	{Capability: portal.CapabilityAutoFillCredentialProvider, Keys: []string{
		"com.apple.developer.authentication-services.autofill-credential-provider",
	}},

	{Capability: portal.CapabilityAccessWifiInformation, Keys: []string{
		"com.apple.developer.networking.wifi-info",
	}},

	{Capability: portal.CapabilityAssociatedDomains, Keys: []string{
		"com.apple.developer.associated-domains",
		"com.apple.developer.associated-domains.mdm-managed",
	}},

	{Capability: portal.CapabilityPersonalVPN, Keys: []string{
		"com.apple.developer.networking.vpn.api",
	}},

	{Capability: portal.CapabilityInterAppAudio, Keys: []string{
		"inter-app-audio",
	}},

	{Capability: portal.CapabilitySignInWithApple, Keys: []string{
		"com.apple.developer.applesignin",
	}, Settings: []portal.CapabilitySetting{{Key: "APPLE_ID_AUTH_APP_CONSENT", Options: []string{"PRIMARY_APP_CONSENT"}}}},
}

// capabilityForKey returns the mapping that declares entitlement key, if
// any, searching table (TeamContext.CapabilityTable, or DefaultCapabilities
// when that is nil).
func capabilityForKey(table []CapabilityMapping, key string) (CapabilityMapping, bool) {
	for _, m := range table {
		for _, k := range m.Keys {
			if k == key {
				return m, true
			}
		}
	}
	return CapabilityMapping{}, false
}

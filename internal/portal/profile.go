package portal

import (
	"fmt"

	"github.com/blacktop/go-plist"
	"github.com/fullsailor/pkcs7"
)

// DecodedProfile is the plist payload CMS-wrapped inside a
// .mobileprovision, surfaced for display (`warpsign` never needs to trust
// the signature on its own profiles — the portal that handed them out
// already signed them) and for the idempotence check in
// internal/orchestrator.ensureProfile: before minting a new provisioning
// profile, the orchestrator decodes the candidate already on file and
// confirms it actually grants the entitlement set the current signing
// plan needs, rather than assuming any profile matching the bundle
// identifier will do. It passes no device list, so provisioned devices
// are not checked.
type DecodedProfile struct {
	Name           string         `plist:"Name"`
	AppIDName      string         `plist:"AppIDName"`
	TeamIdentifier []string       `plist:"TeamIdentifier"`
	UUID           string         `plist:"UUID"`
	Entitlements   map[string]any `plist:"Entitlements"`
	ProvisionedDevices []string   `plist:"ProvisionedDevices"`
	ExpirationDate Date           `plist:"ExpirationDate"`
}

// DecodeProfile parses the DER/CMS-wrapped plist payload of a
// .mobileprovision (the same bytes Profile.Attributes.ProfileContent
// carries) back into its entitlements, devices, and expiry. Grounded on
// the teacher's cmd/ipsw/cmd/appstore/appstore_profile_info.go, which
// does exactly this for display (`ipsw appstore profile info`) using the
// same fullsailor/pkcs7.Parse + blacktop/go-plist.Unmarshal pair; here the
// decoded content additionally feeds a programmatic satisfies check
// instead of only a human-facing dump.
func DecodeProfile(raw []byte) (*DecodedProfile, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("portal: empty provisioning profile")
	}
	p7, err := pkcs7.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("portal: failed to parse provisioning profile CMS envelope: %w", err)
	}
	if len(p7.Content) == 0 {
		return nil, fmt.Errorf("portal: provisioning profile CMS envelope carries no content")
	}

	var profile DecodedProfile
	if _, err := plist.Unmarshal(p7.Content, &profile); err != nil {
		return nil, fmt.Errorf("portal: failed to unmarshal provisioning profile plist: %w", err)
	}
	return &profile, nil
}

// Satisfies reports whether the profile d already grants every
// entitlement key in want and already provisions every device in
// devices, so the orchestrator can reuse it instead of minting a
// replacement (the Developer Portal only allows a handful of active
// profiles per app id, so needlessly regenerating one burns that quota).
func (d *DecodedProfile) Satisfies(want []string, devices []string) bool {
	for _, key := range want {
		if _, ok := d.Entitlements[key]; !ok {
			return false
		}
	}
	provisioned := make(map[string]struct{}, len(d.ProvisionedDevices))
	for _, id := range d.ProvisionedDevices {
		provisioned[id] = struct{}{}
	}
	for _, id := range devices {
		if _, ok := provisioned[id]; !ok {
			return false
		}
	}
	return true
}

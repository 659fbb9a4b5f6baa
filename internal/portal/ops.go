package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/warpsign/warpsign/internal/warpsignerrors"
)

// Typed RPC layer driving the Developer Portal's identifier/capability/
// profile/device surface over the session established by Login. Request
// shapes follow the JSON:API conventions grounded on
// pkg/appstore/{bundle,cap,cert,device,profile}.go; this file replaces
// those files' JWT-bearer auth with the session cookies + scnt/session-id
// headers Client already carries, since an interactive `sign` run
// authenticates via SRP, not an API key.
const (
	teamsURL        = "https://developerservices2.apple.com/services/v1/teams"
	certsURL        = "https://developerservices2.apple.com/services/v1/certificates"
	identifiersURL  = "https://developerservices2.apple.com/services/v1/bundleIds"
	capabilitiesURL = "https://developerservices2.apple.com/services/v1/bundleIdCapabilities"
	appGroupsURL    = "https://developerservices2.apple.com/services/v1/appGroups"
	devicesURL      = "https://developerservices2.apple.com/services/v1/devices"
	profilesURL     = "https://developerservices2.apple.com/services/v1/profiles"
)

func (c *Client) do(ctx context.Context, method, url string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("portal: failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	c.setCommonHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return warpsignerrors.PortalUnavailable(err)
	}
	defer resp.Body.Close()
	c.captureSessionHeaders(resp)

	if resp.StatusCode == http.StatusTooManyRequests {
		return warpsignerrors.RateLimited(fmt.Errorf("HTTP 429 from %s", url))
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.state = StateExpired
		return warpsignerrors.PortalUnavailable(fmt.Errorf("session expired (HTTP %d)", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		var er errorsResponse
		_ = json.NewDecoder(resp.Body).Decode(&er)
		return warpsignerrors.PortalUnavailable(&er)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListTeams returns every team the authenticated Apple ID belongs to. The
// CLI's team resolution raises TeamAmbiguous from this list when several
// teams remain and no --team was given.
func (c *Client) ListTeams(ctx context.Context) ([]Team, error) {
	var out struct {
		Teams []Team `json:"teams"`
	}
	var err error
	withRetry(ctx, func() error {
		err = c.do(ctx, http.MethodGet, teamsURL, nil, &out)
		return err
	})
	return out.Teams, err
}

// ListCertificates returns every signing certificate registered to teamID.
func (c *Client) ListCertificates(ctx context.Context, teamID string) ([]Certificate, error) {
	var out struct {
		Data []Certificate `json:"data"`
	}
	url := fmt.Sprintf("%s?filter[teamId]=%s", certsURL, teamID)
	err := withRetry(ctx, func() error { return c.do(ctx, http.MethodGet, url, nil, &out) })
	return out.Data, err
}

// ListIdentifiers returns every registered App ID for teamID.
func (c *Client) ListIdentifiers(ctx context.Context, teamID string) ([]Identifier, error) {
	var out struct {
		Data []Identifier `json:"data"`
	}
	url := fmt.Sprintf("%s?filter[teamId]=%s", identifiersURL, teamID)
	err := withRetry(ctx, func() error { return c.do(ctx, http.MethodGet, url, nil, &out) })
	return out.Data, err
}

// CreateIdentifier registers a new App ID. A rejection by the portal
// (including an identifier that already exists) comes back as
// PortalUnavailable; IdentifierConflict is not returned here.
func (c *Client) CreateIdentifier(ctx context.Context, teamID, identifier, name string) (*Identifier, error) {
	body := map[string]any{
		"data": map[string]any{
			"type": "bundleIds",
			"attributes": map[string]any{
				"identifier": identifier,
				"name":       name,
				"platform":   IOS,
				"teamId":     teamID,
			},
		},
	}
	var out struct {
		Data Identifier `json:"data"`
	}
	err := withRetry(ctx, func() error {
		return c.do(ctx, http.MethodPost, identifiersURL, body, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// UpdateIdentifierCapabilities enables each of the given capabilities on
// identifier, one request per capability; capabilities not listed are
// left as they are. The orchestrator passes only the capabilities the
// reconciler queued for enabling. Any failure is reported as
// CapabilityUnavailable.
func (c *Client) UpdateIdentifierCapabilities(ctx context.Context, identifierID string, caps []BundleIdCapability) error {
	for _, cap := range caps {
		body := map[string]any{
			"data": map[string]any{
				"type": "bundleIdCapabilities",
				"attributes": map[string]any{
					"capabilityType": cap.Attributes.CapabilityType,
					"settings":       cap.Attributes.Settings,
				},
				"relationships": map[string]any{
					"bundleId": map[string]any{
						"data": map[string]any{"type": "bundleIds", "id": identifierID},
					},
				},
			},
		}
		if err := withRetry(ctx, func() error {
			return c.do(ctx, http.MethodPost, capabilitiesURL, body, nil)
		}); err != nil {
			return warpsignerrors.CapabilityUnavailable(string(cap.Attributes.CapabilityType), identifierID)
		}
	}
	return nil
}

// ListAppGroups / CreateAppGroup back the §4.2 identifier-coupled
// rewriting path for com.apple.security.application-groups.
func (c *Client) ListAppGroups(ctx context.Context, teamID string) ([]AppGroup, error) {
	var out struct {
		Data []AppGroup `json:"data"`
	}
	url := fmt.Sprintf("%s?filter[teamId]=%s", appGroupsURL, teamID)
	err := withRetry(ctx, func() error { return c.do(ctx, http.MethodGet, url, nil, &out) })
	return out.Data, err
}

func (c *Client) CreateAppGroup(ctx context.Context, teamID, groupIdentifier, name string) (*AppGroup, error) {
	body := map[string]any{
		"data": map[string]any{
			"type": "appGroups",
			"attributes": map[string]any{
				"groupIdentifier": groupIdentifier,
				"name":            name,
				"teamId":          teamID,
			},
		},
	}
	var out struct {
		Data AppGroup `json:"data"`
	}
	err := withRetry(ctx, func() error { return c.do(ctx, http.MethodPost, appGroupsURL, body, &out) })
	if err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// ListDevices returns every device registered to teamID, used to check
// ad-hoc profile device coverage.
func (c *Client) ListDevices(ctx context.Context, teamID string) ([]Device, error) {
	var out struct {
		Data []Device `json:"data"`
	}
	url := fmt.Sprintf("%s?filter[teamId]=%s", devicesURL, teamID)
	err := withRetry(ctx, func() error { return c.do(ctx, http.MethodGet, url, nil, &out) })
	return out.Data, err
}

// ListProfiles / CreateProfile / DeleteProfile round out the typed ops
// the Sign Orchestrator drives during the provisioning step.
func (c *Client) ListProfiles(ctx context.Context, teamID string) ([]Profile, error) {
	var out struct {
		Data []Profile `json:"data"`
	}
	url := fmt.Sprintf("%s?filter[teamId]=%s", profilesURL, teamID)
	err := withRetry(ctx, func() error { return c.do(ctx, http.MethodGet, url, nil, &out) })
	return out.Data, err
}

func (c *Client) CreateProfile(ctx context.Context, teamID, name string, profileType ProfileType, identifierID, certificateID string, deviceIDs []string) (*Profile, error) {
	devices := make([]map[string]string, len(deviceIDs))
	for i, d := range deviceIDs {
		devices[i] = map[string]string{"type": "devices", "id": d}
	}
	body := map[string]any{
		"data": map[string]any{
			"type": "profiles",
			"attributes": map[string]any{
				"name":        name,
				"profileType": profileType,
			},
			"relationships": map[string]any{
				"bundleId":     map[string]any{"data": map[string]any{"type": "bundleIds", "id": identifierID}},
				"certificates": map[string]any{"data": []map[string]any{{"type": "certificates", "id": certificateID}}},
				"devices":      map[string]any{"data": devices},
			},
		},
	}
	var out struct {
		Data Profile `json:"data"`
	}
	err := withRetry(ctx, func() error {
		if err := c.do(ctx, http.MethodPost, profilesURL, body, &out); err != nil {
			return warpsignerrors.ProfileCreationFailed(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (c *Client) DeleteProfile(ctx context.Context, profileID string) error {
	url := fmt.Sprintf("%s/%s", profilesURL, profileID)
	return withRetry(ctx, func() error { return c.do(ctx, http.MethodDelete, url, nil, nil) })
}

package portal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"path/filepath"

	"github.com/99designs/keyring"
	"github.com/gofrs/flock"
)

// persistedSession is the on-disk shape of a Portal Client session,
// grounded on the teacher's internal/download.AppleAccountAuth /
// session structs: cookie jar contents plus the header-level state
// (session id, scnt, widget key) idmsa expects on every follow-up
// request.
type persistedSession struct {
	AppleID   string         `json:"apple_id"`
	SessionID string         `json:"session_id"`
	SCNT      string         `json:"scnt"`
	WidgetKey string         `json:"widget_key"`
	Cookies   []*http.Cookie `json:"cookies"`
}

// Vault wraps a 99designs/keyring-backed store of persisted sessions, one
// entry per Apple ID, under the WARPSIGN_HOME/sessions directory. Only
// keyring's file backend is allowed; the platform keychain is not used. Writes are
// additionally serialised by a file lock, grounded on the teacher's
// api/downloader.go locking a download's destination path with
// gofrs/flock before writing it: the keyring file backend has no
// built-in protection against two `warpsign` processes racing to persist
// a session for the same Apple ID.
type Vault struct {
	kr   keyring.Keyring
	lock *flock.Flock
}

// OpenVault opens (creating if needed) the session vault rooted at dir.
func OpenVault(dir string) (*Vault, error) {
	kr, err := keyring.Open(keyring.Config{
		ServiceName:              "warpsign",
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(""),
		AllowedBackends:          []keyring.BackendType{keyring.FileBackend},
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("portal: failed to open session vault: %w", err)
	}
	return &Vault{kr: kr, lock: flock.New(filepath.Join(dir, ".lock"))}, nil
}

// Save atomically persists c's session state under appleID, holding the
// vault's file lock for the duration of the write.
func (v *Vault) Save(c *Client) error {
	if err := v.lock.Lock(); err != nil {
		return fmt.Errorf("portal: failed to lock session vault: %w", err)
	}
	defer v.lock.Unlock()

	ps := persistedSession{
		AppleID:   c.appleID,
		SessionID: c.sessionID,
		SCNT:      c.scnt,
		WidgetKey: c.widgetKey,
		Cookies:   c.http.Jar.(*cookiejar.Jar).Cookies(idmsaURL),
	}
	data, err := json.Marshal(&ps)
	if err != nil {
		return fmt.Errorf("portal: failed to marshal session: %w", err)
	}
	return v.kr.Set(keyring.Item{
		Key:         ps.AppleID,
		Data:        data,
		Label:       "WarpSign session: " + ps.AppleID,
		Description: "Developer Portal session cookies and headers",
	})
}

// Restore loads a previously saved session into a fresh Client. Callers
// must still probe the session (e.g. via ListTeams) before trusting it,
// since Apple may have expired it server-side.
func Restore(appleID string, v *Vault, promptFn PromptFunc, transport http.RoundTripper) (*Client, error) {
	item, err := v.kr.Get(appleID)
	if err != nil {
		return nil, fmt.Errorf("portal: no saved session for %s: %w", appleID, err)
	}
	var ps persistedSession
	if err := json.Unmarshal(item.Data, &ps); err != nil {
		return nil, fmt.Errorf("portal: corrupt saved session for %s: %w", appleID, err)
	}

	c, err := New(promptFn, transport)
	if err != nil {
		return nil, err
	}
	c.appleID = ps.AppleID
	c.sessionID = ps.SessionID
	c.scnt = ps.SCNT
	c.widgetKey = ps.WidgetKey
	c.state = StateTrustedSession

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	jar.SetCookies(idmsaURL, ps.Cookies)
	c.http.Jar = jar

	return c, nil
}

// idmsaURL anchors the cookie jar to idmsa.apple.com, the domain every
// login/2FA endpoint in this package lives under.
var idmsaURL = &url.URL{Scheme: "https", Host: "idmsa.apple.com"}

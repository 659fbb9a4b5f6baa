// Package entitlements builds the DER-encoded ASN.1 blob a CMS signature
// embeds alongside its plist-format copy of an app's entitlements.
package entitlements

import (
	"bytes"
	"encoding/asn1"
	"fmt"
	"sort"

	"github.com/blacktop/go-plist"
)

// boolEntry, intEntry, stringEntry, and stringListEntry are the ASN.1
// SEQUENCE shapes Apple's DER entitlements format uses for each plist
// value kind it supports; asn1.MarshalWithParams's struct tags drive
// the tag/class plumbing each shape needs.
type boolEntry struct {
	Key   string `asn1:"utf8"`
	Value bool
}

type intEntry struct {
	Key   string `asn1:"utf8"`
	Value int64
}

type stringEntry struct {
	Key   string `asn1:"utf8"`
	Value string `asn1:"utf8"`
}

type stringListEntry struct {
	Key   string   `asn1:"utf8"`
	Value []string `asn1:"set,tag:12"`
}

// rawEntry is the fallback for entitlement values of a kind none of the
// above cover; asn1.Marshal encodes Value with Go's default mapping for
// its dynamic type.
type rawEntry struct {
	Key   string `asn1:"utf8"`
	Value any
}

// DerEncode decodes input as an entitlements plist (XML or binary) and
// re-encodes its top-level dictionary as the DER-encoded ASN.1 blob a
// CMS signature carries. Keys are visited in sorted order: Go's map
// iteration order is randomized per run, and this blob's bytes must be
// identical across runs of the same entitlement set for the
// CodeDirectory's entitlements hash to stay reproducible (§8's
// idempotence property).
func DerEncode(input []byte) ([]byte, error) {
	var declared map[string]any
	if err := plist.NewDecoder(bytes.NewReader(input)).Decode(&declared); err != nil {
		return nil, fmt.Errorf("entitlements: failed to decode plist: %w", err)
	}

	keys := make([]string, 0, len(declared))
	for k := range declared {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]any, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, encodeEntry(k, declared[k]))
	}

	return asn1.MarshalWithParams(entries, "set")
}

// encodeEntry chooses the ASN.1 SEQUENCE shape matching v's plist type.
// A []any value is treated as a list of strings, since every real-world
// entitlement array (keychain-access-groups, application-groups,
// icloud-container-identifiers) carries strings; a non-string element
// is dropped rather than causing the whole encode to fail.
func encodeEntry(key string, v any) any {
	switch t := v.(type) {
	case bool:
		return boolEntry{key, t}
	case string:
		return stringEntry{key, t}
	case int64:
		return intEntry{key, t}
	case uint64:
		return intEntry{key, int64(t)}
	case []any:
		strs := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				strs = append(strs, s)
			}
		}
		return stringListEntry{key, strs}
	default:
		return rawEntry{key, v}
	}
}

// Package bundle models the tree of Mach-O bundles inside an unpacked
// .ipa: the root app, its nested extensions, frameworks, and watch apps,
// each carrying the declared entitlements and identifier the rest of the
// pipeline reconciles and rewrites.
package bundle

// Kind classifies a bundle's role, mirroring how Xcode itself lays out an
// .app's PlugIns/Frameworks/Watch subdirectories.
type Kind string

const (
	App       Kind = "app"
	Extension Kind = "extension"
	Framework Kind = "framework"
	WatchApp  Kind = "watchapp"
	AppClip   Kind = "appclip"
	Dylib     Kind = "dylib"
	Plugin    Kind = "plugin"
)

// Entitlements is a decoded entitlements plist: opaque string keys to
// boolean, string, []string, or nested-map values.
type Entitlements map[string]any

// Clone returns a shallow copy of e, sufficient for the reconciler's
// copy-then-mutate style since slice/map values inside it are replaced
// wholesale, never mutated in place.
func (e Entitlements) Clone() Entitlements {
	c := make(Entitlements, len(e))
	for k, v := range e {
		c[k] = v
	}
	return c
}

// AppBundle is one node of the bundle tree.
type AppBundle struct {
	Path               string // absolute path to the bundle directory in the scratch tree
	OriginalIdentifier string // CFBundleIdentifier as found in the archive
	NewIdentifier      string // set once the Identifier Allocator has run
	DisplayName        string
	ExecutablePath     string // absolute path to the Mach-O executable
	Kind               Kind
	Entitlements       Entitlements
	Nested             []*AppBundle
}

// Walk visits b and every descendant depth-first, parent before children.
func (b *AppBundle) Walk(fn func(*AppBundle) error) error {
	if err := fn(b); err != nil {
		return err
	}
	for _, n := range b.Nested {
		if err := n.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// ReverseTopological returns every bundle in the tree ordered deepest
// first, the order the Sign Orchestrator invokes the external signer in
// (§4.6 step 7: a parent is only signed after every descendant).
func (b *AppBundle) ReverseTopological() []*AppBundle {
	var out []*AppBundle
	var visit func(*AppBundle)
	visit = func(n *AppBundle) {
		for _, c := range n.Nested {
			visit(c)
		}
		out = append(out, n)
	}
	visit(b)
	return out
}

// Count returns the number of bundles in the tree rooted at b, used to
// size worker pools and to check the >64-nested-bundle boundary case.
func (b *AppBundle) Count() int {
	n := 1
	for _, c := range b.Nested {
		n += c.Count()
	}
	return n
}

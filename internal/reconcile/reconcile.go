// Package reconcile implements the Entitlement Reconciler (spec §4.2): a
// pure function from an app's declared entitlements plus the team's
// capability state to a signable entitlement set and the portal mutations
// required to realise it.
package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/warpsign/warpsign/internal/bundle"
	"github.com/warpsign/warpsign/internal/portal"
	"github.com/warpsign/warpsign/internal/utils"
	"github.com/warpsign/warpsign/internal/warpsignerrors"
)

// stripUnconditionally names entitlement keys the reconciler always
// removes before anything else runs (they are re-derived below or make
// no sense carried over from the original signer).
var stripUnconditionally = []string{
	"application-identifier",
	"com.apple.developer.team-identifier",
}

// Flags mirrors the subset of spec §6's CLI flags that change
// reconciliation policy.
type Flags struct {
	EnableDebug        bool
	RequireCapability  map[string]bool // capability keys the caller demands, fail rather than strip
	PinICloudContainer bool            // do not rewrite iCloud container ids to the new bundle id
	PassThroughUnknown bool            // spec §9 Open Question: default is strip-with-warning
}

// CertKind distinguishes the two certificate families reconciliation
// branches on (get-task-allow, aps-environment).
type CertKind int

const (
	CertDevelopment CertKind = iota
	CertDistribution
)

// TeamContext is the slice of team state the reconciler needs: which
// capabilities are enabled on the identifier already, and the identifiers/
// groups already registered, so identifier-coupled rewriting can tell a
// fresh registration from a reuse.
type TeamContext struct {
	TeamID              string
	Cert                CertKind
	EnabledCapabilities map[portal.CapabilityType]bool
	CapabilityTable     []CapabilityMapping // nil selects DefaultCapabilities; the orchestrator leaves it nil
}

// MutationOp names a portal-side effect the orchestrator must apply
// before signing.
type MutationOp string

const (
	OpEnableCapability MutationOp = "enable_capability"
	OpRegisterAppGroup MutationOp = "register_app_group"
)

// Mutation is one required change to TeamContext, applied by the
// orchestrator through the Portal Client before any bundle is signed.
type Mutation struct {
	Op         MutationOp
	Identifier string // bundle id owning the mutation (identifier or app group id)
	Capability portal.CapabilityType
	Settings   []portal.CapabilitySetting
	Name       string // human-readable name, used when registering a new app group
}

// Warning records a non-fatal decision (an entitlement stripped rather
// than failed) for the orchestrator's end-of-run summary.
type Warning struct {
	Key    string
	Reason string
}

// Plan is the reconciler's output for a single bundle.
type Plan struct {
	Entitlements bundle.Entitlements
	Mutations    []Mutation
	Warnings     []Warning
	// Stripped lists every declared entitlement key that does not appear
	// in Entitlements, whether it was dropped silently (get-task-allow
	// without --patch-debug) or surfaced as a Warning. The
	// stripUnconditionally keys are re-derived into Entitlements, so they
	// never appear here. The
	// orchestrator logs it at verbose level so a user comparing declared
	// vs. signed entitlements has a single field to check instead of
	// diffing the two maps themselves.
	Stripped []string
}

// ParentPlan carries down the parent bundle's already-resolved identifier.
// Reconcile accepts it but does not read it: a child's derived
// entitlements are computed from its own newIdentifier, and the
// orchestrator passes nil.
type ParentPlan struct {
	NewIdentifier string
}

// Reconcile computes the signable entitlement set for one bundle given
// its declared entitlements, the bundle's newly allocated identifier, the
// team's capability state, and caller flags. It performs no I/O; the
// returned Mutations describe portal effects the caller must apply.
func Reconcile(declared bundle.Entitlements, newIdentifier string, parent *ParentPlan, team TeamContext, flags Flags) (Plan, error) {
	table := team.CapabilityTable
	if table == nil {
		table = DefaultCapabilities
	}

	out := make(bundle.Entitlements, len(declared))
	var mutations []Mutation
	var warnings []Warning

	stripSet := make(map[string]bool, len(stripUnconditionally))
	for _, k := range stripUnconditionally {
		stripSet[k] = true
	}

	for key, value := range declared {
		if stripSet[key] {
			continue
		}
		if key == "keychain-access-groups" {
			continue // rewritten below unconditionally
		}
		if key == "get-task-allow" {
			if flags.EnableDebug && team.Cert == CertDevelopment {
				out[key] = true
			}
			continue
		}
		if key == "aps-environment" || key == "com.apple.developer.aps-environment" {
			continue // handled by the derived Push block below
		}

		if mapping, ok := capabilityForKey(table, key); ok {
			if isIdentifierCoupled(key) {
				rewritten, groupMutations := rewriteIdentifierCoupled(key, value, newIdentifier, flags)
				value = rewritten
				mutations = append(mutations, groupMutations...)
			}
			if team.EnabledCapabilities[mapping.Capability] {
				out[key] = value
				continue
			}
			if flags.RequireCapability[key] {
				return Plan{}, warpsignerrors.CapabilityUnavailable(string(mapping.Capability), team.TeamID)
			}
			mutations = append(mutations, Mutation{
				Op:         OpEnableCapability,
				Identifier: newIdentifier,
				Capability: mapping.Capability,
				Settings:   mapping.Settings,
			})
			out[key] = value
			continue
		}

		if isIdentifierCoupled(key) {
			rewritten, groupMutations := rewriteIdentifierCoupled(key, value, newIdentifier, flags)
			out[key] = rewritten
			mutations = append(mutations, groupMutations...)
			continue
		}

		if flags.PassThroughUnknown {
			out[key] = value
			continue
		}
		warnings = append(warnings, Warning{Key: key, Reason: "unrecognised entitlement stripped"})
	}

	// Derived entitlements, always applied last so nothing above can
	// clobber them.
	applicationIdentifier := fmt.Sprintf("%s.%s", team.TeamID, newIdentifier)
	out["application-identifier"] = applicationIdentifier
	out["com.apple.developer.team-identifier"] = team.TeamID

	keychainGroups, _ := declared["keychain-access-groups"].([]any)
	teamWildcard := team.TeamID + ".*"
	hasWildcard := false
	newGroups := make([]any, 0, len(keychainGroups)+1)
	for _, g := range keychainGroups {
		if s, ok := g.(string); ok && s == teamWildcard {
			hasWildcard = true
		}
		newGroups = append(newGroups, g)
	}
	if !hasWildcard {
		newGroups = append([]any{teamWildcard}, newGroups...)
	}
	out["keychain-access-groups"] = newGroups

	_, hasAPS := declared["aps-environment"]
	_, hasAPSLong := declared["com.apple.developer.aps-environment"]
	if hasAPS || hasAPSLong {
		pushEnv := "production"
		if team.Cert == CertDevelopment {
			pushEnv = "development"
		}
		out["aps-environment"] = pushEnv
		if !team.EnabledCapabilities[portal.CapabilityPushNotifications] {
			mutations = append(mutations, Mutation{
				Op:         OpEnableCapability,
				Identifier: newIdentifier,
				Capability: portal.CapabilityPushNotifications,
			})
		}
	}

	sortMutations(mutations)
	sortWarnings(warnings)

	declaredKeys := make([]string, 0, len(declared))
	for k := range declared {
		declaredKeys = append(declaredKeys, k)
	}
	outKeys := make([]string, 0, len(out))
	for k := range out {
		outKeys = append(outKeys, k)
	}
	stripped := utils.Difference(declaredKeys, outKeys)
	sort.Strings(stripped)

	return Plan{Entitlements: out, Mutations: mutations, Warnings: warnings, Stripped: stripped}, nil
}

// isIdentifierCoupled reports whether key's value carries a bundle- or
// group-identifier string that must be rewritten to the new identifier's
// namespace, per spec §4.2.
func isIdentifierCoupled(key string) bool {
	switch key {
	case "com.apple.security.application-groups",
		"com.apple.developer.ubiquity-container-identifiers",
		"com.apple.developer.icloud-container-identifiers",
		"com.apple.developer.icloud-container-development-container-identifiers",
		"com.apple.developer.associated-application-groups":
		return true
	}
	return false
}

// rewriteIdentifierCoupled rewrites every string in value (a []any of
// strings, or a single string) through the new identifier, registering an
// app-group mutation for each group id encountered.
func rewriteIdentifierCoupled(key string, value any, newIdentifier string, flags Flags) (any, []Mutation) {
	rewriteOne := func(s string) string {
		if strings.HasPrefix(s, "iCloud.") {
			if flags.PinICloudContainer {
				return s
			}
			return "iCloud." + newIdentifier
		}
		if strings.HasPrefix(s, "group.") {
			return "group." + newIdentifier
		}
		return s
	}

	var mutations []Mutation
	switch v := value.(type) {
	case string:
		rewritten := rewriteOne(v)
		if key == "com.apple.security.application-groups" {
			mutations = append(mutations, Mutation{Op: OpRegisterAppGroup, Identifier: rewritten, Name: rewritten})
		}
		return rewritten, mutations
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				out[i] = item
				continue
			}
			rewritten := rewriteOne(s)
			out[i] = rewritten
			if key == "com.apple.security.application-groups" {
				mutations = append(mutations, Mutation{Op: OpRegisterAppGroup, Identifier: rewritten, Name: rewritten})
			}
		}
		return out, mutations
	default:
		return value, nil
	}
}

func sortMutations(m []Mutation) {
	sort.Slice(m, func(i, j int) bool {
		if m[i].Identifier != m[j].Identifier {
			return m[i].Identifier < m[j].Identifier
		}
		return m[i].Capability < m[j].Capability
	})
}

func sortWarnings(w []Warning) {
	sort.Slice(w, func(i, j int) bool { return w[i].Key < w[j].Key })
}

package reconcile

import (
	"testing"

	"github.com/warpsign/warpsign/internal/bundle"
	"github.com/warpsign/warpsign/internal/portal"
	"github.com/warpsign/warpsign/internal/warpsignerrors"
)

func TestReconcileStripsUnconditionalKeys(t *testing.T) {
	declared := bundle.Entitlements{
		"application-identifier":              "OLD123.com.example.app",
		"com.apple.developer.team-identifier":  "OLD123",
	}
	team := TeamContext{TeamID: "NEW456"}

	plan, err := Reconcile(declared, "ws.app", nil, team, Flags{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if got := plan.Entitlements["application-identifier"]; got != "NEW456.ws.app" {
		t.Errorf("application-identifier = %v, want derived from new team/identifier", got)
	}
	if got := plan.Entitlements["com.apple.developer.team-identifier"]; got != "NEW456" {
		t.Errorf("team-identifier = %v, want NEW456", got)
	}
}

func TestReconcileGetTaskAllowStrippedWithoutDebugFlag(t *testing.T) {
	declared := bundle.Entitlements{"get-task-allow": true}
	team := TeamContext{TeamID: "TEAM", Cert: CertDevelopment}

	plan, err := Reconcile(declared, "ws.app", nil, team, Flags{EnableDebug: false})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if _, ok := plan.Entitlements["get-task-allow"]; ok {
		t.Error("get-task-allow present without --patch-debug")
	}
}

func TestReconcileGetTaskAllowKeptWithDebugFlagAndDevCert(t *testing.T) {
	declared := bundle.Entitlements{"get-task-allow": true}
	team := TeamContext{TeamID: "TEAM", Cert: CertDevelopment}

	plan, err := Reconcile(declared, "ws.app", nil, team, Flags{EnableDebug: true})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if v, _ := plan.Entitlements["get-task-allow"].(bool); !v {
		t.Error("get-task-allow missing despite --patch-debug with a development certificate")
	}
}

func TestReconcileGetTaskAllowIgnoredOnDistributionCert(t *testing.T) {
	declared := bundle.Entitlements{"get-task-allow": true}
	team := TeamContext{TeamID: "TEAM", Cert: CertDistribution}

	plan, err := Reconcile(declared, "ws.app", nil, team, Flags{EnableDebug: true})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if _, ok := plan.Entitlements["get-task-allow"]; ok {
		t.Error("get-task-allow present on a distribution certificate")
	}
}

func TestReconcileCapabilityDisabledProducesMutationAndWarningFree(t *testing.T) {
	declared := bundle.Entitlements{"com.apple.developer.homekit": true}
	team := TeamContext{TeamID: "TEAM", EnabledCapabilities: map[portal.CapabilityType]bool{}}

	plan, err := Reconcile(declared, "ws.app", nil, team, Flags{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(plan.Mutations) != 1 || plan.Mutations[0].Capability != portal.CapabilityHomeKit {
		t.Errorf("Mutations = %+v, want one EnableCapability(HomeKit) mutation", plan.Mutations)
	}
	if _, ok := plan.Entitlements["com.apple.developer.homekit"]; !ok {
		t.Error("entitlement should still be carried through once the capability mutation is queued")
	}
	if len(plan.Warnings) != 0 {
		t.Errorf("Warnings = %+v, want none", plan.Warnings)
	}
}

func TestReconcileCapabilityDisabledFailsWhenRequired(t *testing.T) {
	declared := bundle.Entitlements{"com.apple.developer.homekit": true}
	team := TeamContext{TeamID: "TEAM", EnabledCapabilities: map[portal.CapabilityType]bool{}}
	flags := Flags{RequireCapability: map[string]bool{"com.apple.developer.homekit": true}}

	_, err := Reconcile(declared, "ws.app", nil, team, flags)
	we, ok := warpsignerrors.As(err)
	if !ok || we.Code != "CapabilityUnavailable" {
		t.Errorf("Reconcile() error = %v, want CapabilityUnavailable", err)
	}
}

func TestReconcileCapabilityEnabledNoMutation(t *testing.T) {
	declared := bundle.Entitlements{"com.apple.developer.homekit": true}
	team := TeamContext{TeamID: "TEAM", EnabledCapabilities: map[portal.CapabilityType]bool{portal.CapabilityHomeKit: true}}

	plan, err := Reconcile(declared, "ws.app", nil, team, Flags{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(plan.Mutations) != 0 {
		t.Errorf("Mutations = %+v, want none when the capability is already enabled", plan.Mutations)
	}
}

func TestReconcileUnknownEntitlementStrippedWithWarning(t *testing.T) {
	declared := bundle.Entitlements{"com.example.totally-made-up": true}
	team := TeamContext{TeamID: "TEAM"}

	plan, err := Reconcile(declared, "ws.app", nil, team, Flags{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if _, ok := plan.Entitlements["com.example.totally-made-up"]; ok {
		t.Error("unrecognised entitlement was not stripped")
	}
	if len(plan.Warnings) != 1 || plan.Warnings[0].Key != "com.example.totally-made-up" {
		t.Errorf("Warnings = %+v, want one warning naming the stripped key", plan.Warnings)
	}
}

func TestReconcilePassThroughUnknownFlag(t *testing.T) {
	declared := bundle.Entitlements{"com.example.totally-made-up": true}
	team := TeamContext{TeamID: "TEAM"}

	plan, err := Reconcile(declared, "ws.app", nil, team, Flags{PassThroughUnknown: true})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if _, ok := plan.Entitlements["com.example.totally-made-up"]; !ok {
		t.Error("entitlement should pass through unchanged with PassThroughUnknown set")
	}
	if len(plan.Warnings) != 0 {
		t.Errorf("Warnings = %+v, want none with PassThroughUnknown set", plan.Warnings)
	}
}

func TestReconcileKeychainAccessGroupsAlwaysGetsTeamWildcard(t *testing.T) {
	declared := bundle.Entitlements{"keychain-access-groups": []any{"OLD123.com.example.app"}}
	team := TeamContext{TeamID: "NEW456"}

	plan, err := Reconcile(declared, "ws.app", nil, team, Flags{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	groups, ok := plan.Entitlements["keychain-access-groups"].([]any)
	if !ok || len(groups) == 0 || groups[0] != "NEW456.*" {
		t.Errorf("keychain-access-groups = %+v, want team wildcard prepended", groups)
	}
}

func TestReconcileAppGroupRewriteAndMutation(t *testing.T) {
	declared := bundle.Entitlements{
		"com.apple.security.application-groups": []any{"group.com.example.shared"},
	}
	team := TeamContext{TeamID: "TEAM", EnabledCapabilities: map[portal.CapabilityType]bool{portal.CapabilityAppGroups: true}}

	plan, err := Reconcile(declared, "ws.app", nil, team, Flags{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	groups, ok := plan.Entitlements["com.apple.security.application-groups"].([]any)
	if !ok || len(groups) != 1 || groups[0] != "group.ws.app" {
		t.Errorf("application-groups = %+v, want rewritten to group.ws.app", groups)
	}
	found := false
	for _, m := range plan.Mutations {
		if m.Op == OpRegisterAppGroup && m.Identifier == "group.ws.app" {
			found = true
		}
	}
	if !found {
		t.Errorf("Mutations = %+v, want a RegisterAppGroup mutation for the rewritten group", plan.Mutations)
	}
}

func TestReconcileICloudContainerPinned(t *testing.T) {
	declared := bundle.Entitlements{
		"com.apple.developer.icloud-container-identifiers": []any{"iCloud.com.example.app"},
	}
	team := TeamContext{TeamID: "TEAM", EnabledCapabilities: map[portal.CapabilityType]bool{portal.CapabilityICloud: true}}

	plan, err := Reconcile(declared, "ws.app", nil, team, Flags{PinICloudContainer: true})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	containers := plan.Entitlements["com.apple.developer.icloud-container-identifiers"].([]any)
	if containers[0] != "iCloud.com.example.app" {
		t.Errorf("iCloud container = %v, want unchanged with PinICloudContainer set", containers[0])
	}
}

func TestReconcilePushEnvironmentFollowsCertKind(t *testing.T) {
	declared := bundle.Entitlements{"aps-environment": "development"}

	devPlan, err := Reconcile(declared, "ws.app", nil, TeamContext{TeamID: "TEAM", Cert: CertDevelopment}, Flags{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if devPlan.Entitlements["aps-environment"] != "development" {
		t.Errorf("aps-environment = %v, want development for a dev cert", devPlan.Entitlements["aps-environment"])
	}

	distPlan, err := Reconcile(declared, "ws.app", nil, TeamContext{TeamID: "TEAM", Cert: CertDistribution}, Flags{})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if distPlan.Entitlements["aps-environment"] != "production" {
		t.Errorf("aps-environment = %v, want production for a distribution cert", distPlan.Entitlements["aps-environment"])
	}
}

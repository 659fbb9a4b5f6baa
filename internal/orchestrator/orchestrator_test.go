package orchestrator

import (
	"testing"

	"github.com/warpsign/warpsign/internal/portal"
	"github.com/warpsign/warpsign/internal/reconcile"
)

func TestDedupeMutationsRemovesExactDuplicates(t *testing.T) {
	in := []reconcile.Mutation{
		{Op: reconcile.OpEnableCapability, Identifier: "ws.app", Capability: portal.CapabilityHomeKit},
		{Op: reconcile.OpEnableCapability, Identifier: "ws.app", Capability: portal.CapabilityHomeKit},
		{Op: reconcile.OpRegisterAppGroup, Identifier: "group.ws.app", Name: "Shared"},
	}
	out := dedupeMutations(in)
	if len(out) != 2 {
		t.Fatalf("dedupeMutations() returned %d entries, want 2: %+v", len(out), out)
	}
}

func TestDedupeMutationsKeepsDistinctCapabilitiesOnSameIdentifier(t *testing.T) {
	in := []reconcile.Mutation{
		{Op: reconcile.OpEnableCapability, Identifier: "ws.app", Capability: portal.CapabilityHomeKit},
		{Op: reconcile.OpEnableCapability, Identifier: "ws.app", Capability: portal.CapabilityICloud},
	}
	out := dedupeMutations(in)
	if len(out) != 2 {
		t.Fatalf("dedupeMutations() returned %d entries, want 2: %+v", len(out), out)
	}
}

func TestApplyPlistFlags(t *testing.T) {
	m := map[string]any{}
	applyPlistFlags(m, Options{PatchFileSharing: true, PatchPromotion: true})
	if v, _ := m["UIFileSharingEnabled"].(bool); !v {
		t.Error("UIFileSharingEnabled not set by PatchFileSharing")
	}
	if v, _ := m["CADisableMinimumFrameDurationOnPhone"].(bool); !v {
		t.Error("CADisableMinimumFrameDurationOnPhone not set by PatchPromotion")
	}
}

func TestApplyPlistFlagsNoopWhenUnset(t *testing.T) {
	m := map[string]any{}
	applyPlistFlags(m, Options{})
	if len(m) != 0 {
		t.Errorf("applyPlistFlags() mutated map with no flags set: %+v", m)
	}
}

func TestProfileSatisfiesFalseOnUndecodableContent(t *testing.T) {
	p := &portal.Profile{}
	p.Attributes.ProfileContent = []byte("not a real CMS-wrapped plist")
	if profileSatisfies(p, []string{"get-task-allow"}) {
		t.Error("profileSatisfies() = true for content that cannot be decoded, want false")
	}
}

func TestProfileSatisfiesFalseOnEmptyContent(t *testing.T) {
	p := &portal.Profile{}
	if profileSatisfies(p, []string{"get-task-allow"}) {
		t.Error("profileSatisfies() = true for empty profile content, want false")
	}
}

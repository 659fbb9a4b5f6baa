// Package orchestrator implements WarpSign's Sign Orchestrator (spec
// §4.6): the pipeline that unpacks an .ipa, inventories its bundle tree,
// reconciles each bundle's entitlements against the caller's team,
// applies the resulting Developer Portal mutations, rewrites every
// Mach-O image and plist, invokes a Signer over each bundle in
// reverse-topological order, and repacks the result. Grounded on the
// teacher's internal/diff/pipeline/executor.go: a struct carrying mutable
// run state behind a mutex, an Execute-shaped entry point, and
// golang.org/x/sync/errgroup for bounded fan-out, reported through
// apex/log the same way the teacher's differ logs each artifact it
// processes.
package orchestrator

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"github.com/warpsign/warpsign/internal/bundle"
	"github.com/warpsign/warpsign/internal/identity"
	"github.com/warpsign/warpsign/internal/portal"
	"github.com/warpsign/warpsign/internal/reconcile"
	"github.com/warpsign/warpsign/internal/warpsignerrors"
	"github.com/warpsign/warpsign/pkg/archive"
)

// ProgressSink receives a callback for every phase transition and
// per-bundle unit of work the orchestrator completes, letting a CLI
// progress bar and a future GUI share the same pipeline without either
// depending on apex/log's formatting.
type ProgressSink interface {
	Progress(phase string, current, total int, detail string)
}

// LogSink is the default ProgressSink, reporting through apex/log the way
// the teacher's Executor logs each pipeline stage.
type LogSink struct{}

func (LogSink) Progress(phase string, current, total int, detail string) {
	log.WithFields(log.Fields{
		"phase":   phase,
		"current": current,
		"total":   total,
	}).Info(detail)
}

// Options mirrors the subset of spec §6's CLI flags and config Defaults
// that change orchestrator behaviour rather than reconciliation policy
// alone (those live in reconcile.Flags, threaded through per bundle).
type Options struct {
	Prefix           string
	ForceOriginalID  bool
	ReuseIdentifiers bool
	PrefixMode       identity.PrefixMode
	IconPath         string
	Fanout           int
	PatchFileSharing bool
	PatchPromotion   bool
	Reconcile        reconcile.Flags
}

// CertificateIdentity is the signing identity the caller (cmd/warpsign,
// after loading a .p12 or driving the portal's certificate list) resolved
// before calling Run; the orchestrator never chooses or imports a
// certificate itself.
type CertificateIdentity struct {
	TeamID        string
	CertificateID string
	Chain         []*x509.Certificate
	PrivateKey    any
	Kind          reconcile.CertKind
}

// Orchestrator drives one Run invocation's worth of state: the portal
// client bundles use for their lazily-issued RPCs, and the sink runs
// report progress to.
type Orchestrator struct {
	Portal *portal.Client
	Signer Signer
	Sink   ProgressSink

	mu sync.Mutex
}

// New returns an Orchestrator. sink may be nil, defaulting to LogSink;
// signer may be nil, defaulting to LocalSigner.
func New(client *portal.Client, signer Signer, sink ProgressSink) *Orchestrator {
	if sink == nil {
		sink = LogSink{}
	}
	if signer == nil {
		signer = &LocalSigner{}
	}
	return &Orchestrator{Portal: client, Signer: signer, Sink: sink}
}

func (o *Orchestrator) progress(phase string, current, total int, detail string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Sink.Progress(phase, current, total, detail)
}

// Run executes the full re-signing pipeline against ipaPath, writing the
// result to outPath, and returns the non-fatal warnings the reconciler
// accumulated across every bundle. Cancelling ctx abandons in-flight
// portal requests and Signer invocations; the scratch directory is always
// removed before Run returns.
func (o *Orchestrator) Run(ctx context.Context, ipaPath, outPath string, cert CertificateIdentity, opts Options) ([]reconcile.Warning, error) {
	if opts.Fanout <= 0 {
		opts.Fanout = 4
	}

	scratch, err := os.MkdirTemp("", "warpsign-*")
	if err != nil {
		return nil, fmt.Errorf("orchestrator: failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	o.progress("unpack", 0, 1, filepath.Base(ipaPath))
	if err := archive.Unpack(ipaPath, scratch); err != nil {
		return nil, err
	}

	appRel, err := archive.FindAppBundle(scratch)
	if err != nil {
		return nil, err
	}
	appPath := filepath.Join(scratch, appRel)

	root, err := walkBundleTree(appPath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: failed to inventory %s: %w", appPath, err)
	}
	if n := root.Count(); n > 64 {
		log.Warnf("bundle tree has %d nested bundles, well beyond a typical app; signing will take a while", n)
	}
	o.progress("inventory", root.Count(), root.Count(), root.OriginalIdentifier)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if opts.Prefix == "" {
		opts.Prefix = identity.DerivePrefix(root.OriginalIdentifier, cert.TeamID)
	}

	existingIdentifiers, err := o.Portal.ListIdentifiers(ctx, cert.TeamID)
	if err != nil {
		return nil, err
	}
	alloc := identity.New(cert.TeamID, existingIdentifiers, identity.Flags{
		Prefix:           opts.Prefix,
		ForceOriginalID:  opts.ForceOriginalID,
		Mode:             opts.PrefixMode,
		ReuseIdentifiers: opts.ReuseIdentifiers,
	})

	enabledCaps, err := o.teamCapabilities(ctx, cert.TeamID, existingIdentifiers)
	if err != nil {
		return nil, err
	}
	team := reconcile.TeamContext{TeamID: cert.TeamID, Cert: cert.Kind, EnabledCapabilities: enabledCaps}

	plans := make(map[*bundle.AppBundle]reconcile.Plan)
	allocations := make(map[*bundle.AppBundle]identity.Allocation)
	var allWarnings []reconcile.Warning
	var allMutations []reconcile.Mutation

	total := root.Count()
	idx := 0
	err = root.Walk(func(b *bundle.AppBundle) error {
		idx++
		a, err := alloc.Allocate(b.OriginalIdentifier)
		if err != nil {
			return err
		}
		b.NewIdentifier = a.New
		allocations[b] = a

		plan, err := reconcile.Reconcile(b.Entitlements, b.NewIdentifier, nil, team, opts.Reconcile)
		if err != nil {
			return err
		}
		plans[b] = plan
		allWarnings = append(allWarnings, plan.Warnings...)
		allMutations = append(allMutations, plan.Mutations...)
		if len(plan.Stripped) > 0 {
			log.WithField("bundle", b.OriginalIdentifier).WithField("stripped", plan.Stripped).Debug("entitlements removed during reconciliation")
		}
		o.progress("reconcile", idx, total, b.OriginalIdentifier)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := root.Walk(func(b *bundle.AppBundle) error {
		for _, child := range b.Nested {
			if err := identity.CheckTree(b.OriginalIdentifier, b.NewIdentifier, child.OriginalIdentifier, child.NewIdentifier); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	identifierIDs := make(map[string]string, total)
	idx = 0
	if err := root.Walk(func(b *bundle.AppBundle) error {
		idx++
		id, err := ensureIdentifier(ctx, o.Portal, cert.TeamID, alloc, allocations[b], b)
		if err != nil {
			return err
		}
		identifierIDs[b.NewIdentifier] = id
		o.progress("mutate", idx, total, b.NewIdentifier)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := applyMutations(ctx, o.Portal, cert.TeamID, identifierIDs, dedupeMutations(allMutations)); err != nil {
		return nil, err
	}

	profiles, err := o.Portal.ListProfiles(ctx, cert.TeamID)
	if err != nil {
		return nil, err
	}
	profileCache := make(map[string]*portal.Profile, total)

	sem := make(chan struct{}, opts.Fanout)
	signed := 0
	if err := o.signSubtree(ctx, root, sem, plans, identifierIDs, profiles, profileCache, cert, opts, &signed, total); err != nil {
		return nil, err
	}

	o.progress("repack", 0, 1, outPath)
	if err := archive.Repack(scratch, outPath); err != nil {
		return nil, err
	}
	o.progress("repack", 1, 1, outPath)

	return allWarnings, nil
}

// signSubtree signs every descendant of b before b itself, so a parent's
// CodeResources can seal a reference to each already-signed child's
// cdhash — a hard ordering, not best-effort, per spec §5. Siblings sign
// concurrently, bounded by sem's capacity (opts.Fanout).
func (o *Orchestrator) signSubtree(
	ctx context.Context,
	b *bundle.AppBundle,
	sem chan struct{},
	plans map[*bundle.AppBundle]reconcile.Plan,
	identifierIDs map[string]string,
	profiles []portal.Profile,
	profileCache map[string]*portal.Profile,
	cert CertificateIdentity,
	opts Options,
	signed *int,
	total int,
) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, child := range b.Nested {
		child := child
		g.Go(func() error {
			return o.signSubtree(gctx, child, sem, plans, identifierIDs, profiles, profileCache, cert, opts, signed, total)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sem }()

	if _, err := o.ensureProfile(ctx, cert, identifierIDs[b.NewIdentifier], b, plans[b], profiles, profileCache); err != nil {
		return err
	}

	if err := rewriteAndSign(ctx, o.Signer, b, plans[b], cert, opts); err != nil {
		return fmt.Errorf("orchestrator: %s: %w", b.Path, err)
	}

	o.mu.Lock()
	*signed++
	n := *signed
	o.mu.Unlock()
	o.progress("sign", n, total, b.NewIdentifier)
	return nil
}

func ensureIdentifier(ctx context.Context, client *portal.Client, teamID string, alloc *identity.Allocator, a identity.Allocation, b *bundle.AppBundle) (string, error) {
	if a.Existing != nil {
		return a.Existing.ID, nil
	}
	created, err := client.CreateIdentifier(ctx, teamID, a.New, b.DisplayName)
	if err != nil {
		return "", err
	}
	alloc.Register(*created)
	return created.ID, nil
}

// teamCapabilities returns the set used as TeamContext.EnabledCapabilities.
// It is always empty: no identifier's capabilities are queried, so every
// capability-gated entitlement queues an enable mutation, and any key in
// RequireCapability fails reconciliation with CapabilityUnavailable.
func (o *Orchestrator) teamCapabilities(_ context.Context, _ string, _ []portal.Identifier) (map[portal.CapabilityType]bool, error) {
	// The Developer Portal only exposes enabled capabilities per
	// identifier (via bundleIdCapabilities relationships), not per team;
	// WarpSign treats every capability as available and lets
	// UpdateIdentifierCapabilities fail with CapabilityUnavailable if the
	// team's membership tier does not actually support it, rather than
	// pre-flighting to build TeamContext.EnabledCapabilities and risking
	// a stale answer between the check and the mutation.
	return map[portal.CapabilityType]bool{}, nil
}

func dedupeMutations(in []reconcile.Mutation) []reconcile.Mutation {
	seen := make(map[string]bool, len(in))
	out := make([]reconcile.Mutation, 0, len(in))
	for _, m := range in {
		key := fmt.Sprintf("%s|%s|%s|%s", m.Op, m.Identifier, m.Capability, m.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}

func applyMutations(ctx context.Context, client *portal.Client, teamID string, identifierIDs map[string]string, mutations []reconcile.Mutation) error {
	byIdentifier := make(map[string][]portal.BundleIdCapability)
	var groups []reconcile.Mutation
	for _, m := range mutations {
		switch m.Op {
		case reconcile.OpEnableCapability:
			bic := portal.BundleIdCapability{Type: "bundleIdCapabilities"}
			bic.Attributes.CapabilityType = m.Capability
			bic.Attributes.Settings = m.Settings
			byIdentifier[m.Identifier] = append(byIdentifier[m.Identifier], bic)
		case reconcile.OpRegisterAppGroup:
			groups = append(groups, m)
		}
	}

	for identifier, caps := range byIdentifier {
		id, ok := identifierIDs[identifier]
		if !ok {
			return warpsignerrors.IdentifierConflict(identifier)
		}
		if err := client.UpdateIdentifierCapabilities(ctx, id, caps); err != nil {
			return err
		}
	}

	if len(groups) == 0 {
		return nil
	}
	existing, err := client.ListAppGroups(ctx, teamID)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, g := range existing {
		have[g.Attributes.GroupIdentifier] = true
	}
	for _, m := range groups {
		if have[m.Identifier] {
			continue
		}
		if _, err := client.CreateAppGroup(ctx, teamID, m.Identifier, m.Name); err != nil {
			return err
		}
		have[m.Identifier] = true
	}
	return nil
}

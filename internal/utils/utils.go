// Package utils collects the small, dependency-free helpers shared
// across WarpSign's own packages: the entitlement set-difference the
// Entitlement Reconciler reports and the hex dump the orchestrator logs
// when a re-encoded Info.plist does not fit its section.
package utils

// Difference returns the elements of a that are not present in b,
// grounded on the same set-difference shape the Entitlement Reconciler
// needs when comparing an app's declared entitlement keys against the
// signable set it produced.
func Difference(a, b []string) []string {
	in := make(map[string]struct{}, len(b))
	for _, s := range b {
		in[s] = struct{}{}
	}
	out := []string{}
	for _, s := range a {
		if _, ok := in[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// Command warpsign re-signs an iOS .ipa against a caller-owned Apple
// Developer account: it reconciles entitlements against the team's
// enabled capabilities, re-registers bundle identifiers and provisioning
// profiles as needed, rewrites every Mach-O image and Info.plist in the
// bundle tree, and produces a freshly signed archive.
package main

import "github.com/warpsign/warpsign/cmd/warpsign/cmd"

func main() {
	cmd.Execute()
}

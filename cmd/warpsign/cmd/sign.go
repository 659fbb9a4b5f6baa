package cmd

import (
	"fmt"

	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/warpsign/warpsign/internal/config"
	"github.com/warpsign/warpsign/internal/identity"
	"github.com/warpsign/warpsign/internal/orchestrator"
	"github.com/warpsign/warpsign/internal/reconcile"
	"github.com/warpsign/warpsign/internal/warpsignerrors"
)

func init() {
	signCmd.Flags().Bool("force-original-id", false, "preserve the original bundle identifier (requires a distribution certificate)")
	signCmd.Flags().Bool("patch-debug", false, "set get-task-allow=true (requires a development certificate)")
	signCmd.Flags().Bool("patch-file-sharing", false, "force UIFileSharingEnabled=true in Info.plist")
	signCmd.Flags().Bool("patch-promotion", false, "force the ProMotion 120Hz opt-in plist key")
	signCmd.Flags().String("icon", "", "replace the primary app icon with this image")
	signCmd.Flags().String("prefix", "", "identifier prefix (default: a deterministic hash of the original root id and team id)")
	signCmd.Flags().Bool("reuse-identifiers", true, "reuse a previously allocated identifier for the same original bundle id")
	signCmd.Flags().Bool("length-preserving", false, "hash the allocated identifier to the original's byte length instead of concatenating the prefix")
	signCmd.Flags().Int("fanout", 0, "maximum number of bundles signed concurrently (default: config or 4)")
	signCmd.Flags().StringP("output", "o", "", "output .ipa path (default: <input>-signed.ipa)")
	_ = signCmd.MarkFlagFilename("icon", "png")
	_ = signCmd.MarkFlagFilename("output", "ipa")

	for _, name := range []string{"force-original-id", "patch-debug", "patch-file-sharing", "patch-promotion", "icon", "prefix", "reuse-identifiers", "fanout"} {
		_ = viper.BindPFlag("sign."+name, signCmd.Flags().Lookup(name))
	}
}

var signCmd = &cobra.Command{
	Use:           "sign <ipa>",
	Short:         "Re-sign an .ipa against your own Apple Developer account",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ipaPath := args[0]

		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}

		patchDebug := viper.GetBool("sign.patch-debug") || cfg.Defaults.PatchDebug
		forceOriginalID := viper.GetBool("sign.force-original-id") || cfg.Defaults.ForceOriginalID
		patchFileSharing := viper.GetBool("sign.patch-file-sharing") || cfg.Defaults.PatchFileSharing
		patchPromotion := viper.GetBool("sign.patch-promotion") || cfg.Defaults.PatchPromotion
		prefix := viper.GetString("sign.prefix")
		if prefix == "" {
			prefix = cfg.Defaults.Prefix
		}
		fanout := viper.GetInt("sign.fanout")
		if fanout == 0 {
			fanout = cfg.Defaults.Fanout
		}
		reuseIdentifiers := viper.GetBool("sign.reuse-identifiers")
		prefixMode := identity.Concat
		if lp, _ := cmd.Flags().GetBool("length-preserving"); lp {
			prefixMode = identity.LengthPreserving
		}

		outPath, _ := cmd.Flags().GetString("output")
		if outPath == "" {
			outPath = defaultOutputPath(ipaPath)
		}

		if forceOriginalID && patchDebug {
			return warpsignerrors.UserError("--force-original-id requires a distribution certificate but --patch-debug requires a development certificate")
		}

		client, err := loginPortal(ctx, cfg, true)
		if err != nil {
			return err
		}
		teamID, err := resolveTeam(ctx, client)
		if err != nil {
			return err
		}

		certKind := certKindFromFlags(patchDebug)
		cert, err := loadCertificate(ctx, client, teamID, certKind, certDir(cfg))
		if err != nil {
			return err
		}

		opts := orchestrator.Options{
			Prefix:           prefix,
			ForceOriginalID:  forceOriginalID,
			ReuseIdentifiers: reuseIdentifiers,
			PrefixMode:       prefixMode,
			IconPath:         viper.GetString("sign.icon"),
			Fanout:           fanout,
			PatchFileSharing: patchFileSharing,
			PatchPromotion:   patchPromotion,
			Reconcile: reconcile.Flags{
				EnableDebug: patchDebug,
			},
		}

		orch := orchestrator.New(client, nil, nil)
		warnings, err := orch.Run(ctx, ipaPath, outPath, cert, opts)
		if err != nil {
			return err
		}

		for _, w := range warnings {
			log.WithField("key", w.Key).Warn(w.Reason)
		}
		log.WithField("output", outPath).Info("signed successfully")
		return nil
	},
}

func defaultOutputPath(ipaPath string) string {
	ext := ".ipa"
	base := ipaPath
	if len(base) > len(ext) && base[len(base)-len(ext):] == ext {
		base = base[:len(base)-len(ext)]
	}
	return fmt.Sprintf("%s-signed.ipa", base)
}

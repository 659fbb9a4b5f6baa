package cmd

import (
	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/warpsign/warpsign/internal/ci"
	"github.com/warpsign/warpsign/internal/config"
	"github.com/warpsign/warpsign/internal/warpsignerrors"
)

func init() {
	signCICmd.Flags().String("ref", "main", "git ref the signing workflow should run against")
	signCICmd.Flags().String("artifact-url", "", "URL the signing workflow can fetch the unsigned .ipa from")
	_ = signCICmd.MarkFlagRequired("artifact-url")
}

// signCICmd hands signing off to a GitHub Actions workflow rather than
// running the local pipeline in-process: WarpSign never needs the
// signing team's private key on the machine invoking `sign-ci`, only a
// token with permission to dispatch the workflow that does.
var signCICmd = &cobra.Command{
	Use:           "sign-ci <ipa>",
	Short:         "Dispatch re-signing to a configured GitHub Actions workflow",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		if cfg.CI.GitHubToken == "" || cfg.CI.Repository == "" || cfg.CI.Workflow == "" {
			return warpsignerrors.UserError("sign-ci requires [ci] github_token, repository and workflow in config.toml; run `warpsign setup --ci`")
		}

		artifactURL, _ := cmd.Flags().GetString("artifact-url")
		ref, _ := cmd.Flags().GetString("ref")
		teamID := viper.GetString("team")

		dispatcher := ci.New(cfg.CI.GitHubToken, cfg.CI.Repository, cfg.CI.Workflow, buildTransport())
		inputs := map[string]string{
			"ipa_url":  artifactURL,
			"ipa_name": args[0],
		}
		if teamID != "" {
			inputs["team_id"] = teamID
		}
		if prefix := cfg.Defaults.Prefix; prefix != "" {
			inputs["prefix"] = prefix
		}

		if err := dispatcher.Dispatch(ctx, ref, inputs); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"repository": cfg.CI.Repository,
			"workflow":   cfg.CI.Workflow,
			"ref":        ref,
		}).Info("signing workflow dispatched")
		return nil
	},
}

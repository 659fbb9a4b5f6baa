package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/apex/log"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/warpsign/warpsign/internal/config"
)

func init() {
	setupCmd.Flags().Bool("ci", false, "configure the GitHub Actions handoff used by `sign-ci` instead of local signing")
}

// setupCmd is spec §6's interactive config wizard: it writes
// <warpsign-home>/config.toml from answers gathered on the terminal,
// mirroring the teacher's survey.AskOne-driven prompts in
// cmd/ipsw/cmd/appstore.
var setupCmd = &cobra.Command{
	Use:           "setup",
	Short:         "Interactively write <WARPSIGN_HOME>/config.toml",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ci, _ := cmd.Flags().GetBool("ci")

		var cfg config.Config
		dir := warpsignHome()
		path := filepath.Join(dir, "config.toml")
		if existing, err := os.ReadFile(path); err == nil {
			if err := toml.Unmarshal(existing, &cfg); err != nil {
				log.WithError(err).Warn("existing config.toml could not be parsed, starting fresh")
			}
		}

		if err := askAccount(&cfg); err != nil {
			return err
		}
		if ci {
			if err := askCI(&cfg); err != nil {
				return err
			}
		} else {
			if err := askSigning(&cfg); err != nil {
				return err
			}
		}

		data, err := toml.Marshal(&cfg)
		if err != nil {
			return fmt.Errorf("setup: failed to marshal config: %w", err)
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("setup: failed to create %s: %w", dir, err)
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("setup: failed to write %s: %w", path, err)
		}
		log.WithField("path", path).Info("configuration saved")
		return nil
	},
}

func askAccount(cfg *config.Config) error {
	if err := ask(&survey.Input{
		Message: "Apple ID:",
		Default: cfg.Account.AppleID,
	}, &cfg.Account.AppleID); err != nil {
		return err
	}
	var password string
	if err := ask(&survey.Password{Message: "Apple ID password:"}, &password); err != nil {
		return err
	}
	if password != "" {
		cfg.Account.Password = password
	}
	return nil
}

func askSigning(cfg *config.Config) error {
	if cfg.Signing.CertDir == "" {
		cfg.Signing.CertDir = filepath.Join(warpsignHome(), "certificates")
	}
	if err := ask(&survey.Input{
		Message: "Certificate directory (expects development/ and distribution/ subfolders):",
		Default: cfg.Signing.CertDir,
	}, &cfg.Signing.CertDir); err != nil {
		return err
	}
	return ask(&survey.Input{
		Message: "Identifier prefix (blank: derive one automatically per app):",
		Default: cfg.Defaults.Prefix,
	}, &cfg.Defaults.Prefix)
}

func askCI(cfg *config.Config) error {
	if err := ask(&survey.Password{Message: "GitHub token (workflow-dispatch scope):"}, &cfg.CI.GitHubToken); err != nil {
		return err
	}
	if err := ask(&survey.Input{
		Message: "Repository (owner/repo):",
		Default: cfg.CI.Repository,
	}, &cfg.CI.Repository); err != nil {
		return err
	}
	return ask(&survey.Input{
		Message: "Workflow file name (e.g. sign.yml):",
		Default: cfg.CI.Workflow,
	}, &cfg.CI.Workflow)
}

// ask runs one survey prompt, translating a ctrl-C into the same "Exiting..."
// early-return the teacher's appstore prompts use rather than an error.
func ask(prompt survey.Prompt, response any) error {
	err := survey.AskOne(prompt, response)
	if err == terminal.InterruptErr {
		log.Warn("Exiting...")
		os.Exit(0)
	}
	return err
}

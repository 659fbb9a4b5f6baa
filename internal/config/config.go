// Package config loads and validates the WarpSign TOML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Account holds the Apple ID credentials.
type Account struct {
	AppleID  string `mapstructure:"apple_id" toml:"apple_id"`
	Password string `mapstructure:"apple_password" toml:"apple_password"`
}

// CI holds the GitHub Actions dispatch target `warpsign sign-ci` hands
// the signing job off to: a personal access token with workflow-dispatch
// scope, the "<owner>/<repo>" the signing workflow lives in, and the
// workflow file name to trigger.
type CI struct {
	GitHubToken string `mapstructure:"github_token" toml:"github_token"`
	Repository  string `mapstructure:"repository" toml:"repository"`
	Workflow    string `mapstructure:"workflow" toml:"workflow"`
}

// Signing holds the certificate/profile directories. `sign` reads
// CertDir (falling back to <warpsign-home>/certificates when empty);
// ProfileDir is stored but not read by any command.
type Signing struct {
	CertDir    string `mapstructure:"cert_dir" toml:"cert_dir"`
	ProfileDir string `mapstructure:"profile_dir" toml:"profile_dir"`
}

// Defaults holds default values for `sign` flags, so a user does not need
// to repeat them on every invocation.
type Defaults struct {
	Prefix           string `mapstructure:"prefix" toml:"prefix"`
	Fanout           int    `mapstructure:"fanout" toml:"fanout"`
	ReuseIdentifiers bool   `mapstructure:"reuse_identifiers" toml:"reuse_identifiers"`
	ForceOriginalID  bool   `mapstructure:"force_original_id" toml:"force_original_id"`
	PatchDebug       bool   `mapstructure:"patch_debug" toml:"patch_debug"`
	PatchFileSharing bool   `mapstructure:"patch_file_sharing" toml:"patch_file_sharing"`
	PatchPromotion   bool   `mapstructure:"patch_promotion" toml:"patch_promotion"`
}

// Capabilities holds the config file's [capabilities] table (capability
// name to entitlement keys). Empty unless the user's config file carries
// one. It is parsed but not read by the reconciler or the orchestrator,
// which always use reconcile.DefaultCapabilities.
type Capabilities map[string][]string

// Config is the top-level schema of ~/.warpsign/config.toml.
type Config struct {
	Account      Account      `mapstructure:"account" toml:"account"`
	CI           CI           `mapstructure:"ci" toml:"ci"`
	Signing      Signing      `mapstructure:"signing" toml:"signing"`
	Defaults     Defaults     `mapstructure:"defaults" toml:"defaults"`
	Capabilities Capabilities `mapstructure:"capabilities" toml:"capabilities"`
}

// Dir returns $WARPSIGN_HOME when set, otherwise <user-home>/.warpsign,
// creating it with owner-only permissions if it does not yet exist.
func Dir() (string, error) {
	if home := os.Getenv("WARPSIGN_HOME"); home != "" {
		return home, os.MkdirAll(home, 0o700)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: failed to resolve user home directory: %w", err)
	}
	dir := filepath.Join(home, ".warpsign")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("config: failed to create %s: %w", dir, err)
	}
	return dir, nil
}

// SessionsDir returns <warpsign-home>/sessions, the keyring-backed session
// cache directory for internal/portal.
func SessionsDir() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	sessions := filepath.Join(dir, "sessions")
	if err := os.MkdirAll(sessions, 0o700); err != nil {
		return "", fmt.Errorf("config: failed to create %s: %w", sessions, err)
	}
	return sessions, nil
}

func (c *Config) applyDefaults() {
	if c.Defaults.Fanout == 0 {
		c.Defaults.Fanout = 4
	}
}

// Load reads the config file bound to v (the caller has already told viper
// where to look, mirroring cmd/ipsw's cobra.OnInitialize(initConfig)
// pattern) and returns the decoded, defaulted Config.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal %s: %w", v.ConfigFileUsed(), err)
	}
	c.applyDefaults()
	return &c, nil
}

// Init wires viper to <warpsign-home>/config.toml plus the APPLE_ID /
// APPLE_PASSWORD / WARPSIGN_HOME environment overrides named in the
// external interfaces section of the spec.
func Init(v *viper.Viper, explicitPath string) error {
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		dir, err := Dir()
		if err != nil {
			return err
		}
		v.AddConfigPath(dir)
		v.SetConfigName("config")
	}
	v.SetConfigType("toml")

	v.SetEnvPrefix("warpsign")
	v.AutomaticEnv()
	_ = v.BindEnv("account.apple_id", "APPLE_ID")
	_ = v.BindEnv("account.apple_password", "APPLE_PASSWORD")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("config: failed to read config file: %w", err)
	}
	return nil
}

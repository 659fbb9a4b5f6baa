package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestDirHonoursWarpsignHomeEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WARPSIGN_HOME", home)

	got, err := Dir()
	if err != nil {
		t.Fatalf("Dir() error = %v", err)
	}
	if got != home {
		t.Errorf("Dir() = %q, want %q", got, home)
	}
}

func TestSessionsDirCreatesSubdirectory(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WARPSIGN_HOME", home)

	got, err := SessionsDir()
	if err != nil {
		t.Fatalf("SessionsDir() error = %v", err)
	}
	want := filepath.Join(home, "sessions")
	if got != want {
		t.Errorf("SessionsDir() = %q, want %q", got, want)
	}
	if fi, err := os.Stat(got); err != nil || !fi.IsDir() {
		t.Errorf("SessionsDir() did not create %q", got)
	}
}

func TestLoadAppliesFanoutDefault(t *testing.T) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(strings.NewReader(`
[account]
apple_id = "dev@example.com"
`)); err != nil {
		t.Fatal(err)
	}

	c, err := Load(v)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Defaults.Fanout != 4 {
		t.Errorf("Defaults.Fanout = %d, want 4 (default)", c.Defaults.Fanout)
	}
	if c.Account.AppleID != "dev@example.com" {
		t.Errorf("Account.AppleID = %q, want dev@example.com", c.Account.AppleID)
	}
}

func TestLoadPreservesExplicitFanout(t *testing.T) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(strings.NewReader(`
[defaults]
fanout = 8
`)); err != nil {
		t.Fatal(err)
	}

	c, err := Load(v)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Defaults.Fanout != 8 {
		t.Errorf("Defaults.Fanout = %d, want 8 (explicit)", c.Defaults.Fanout)
	}
}

func TestInitMissingConfigFileIsNotAnError(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WARPSIGN_HOME", home)

	v := viper.New()
	if err := Init(v, ""); err != nil {
		t.Errorf("Init() error = %v, want nil when no config.toml exists yet", err)
	}
}

func TestInitBindsAppleIDEnvOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv("WARPSIGN_HOME", home)
	t.Setenv("APPLE_ID", "env@example.com")

	v := viper.New()
	if err := Init(v, ""); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if got := v.GetString("account.apple_id"); got != "env@example.com" {
		t.Errorf("account.apple_id = %q, want env@example.com", got)
	}
}

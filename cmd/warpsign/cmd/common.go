package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/spf13/viper"

	"github.com/warpsign/warpsign/internal/codesign"
	"github.com/warpsign/warpsign/internal/config"
	"github.com/warpsign/warpsign/internal/netutil"
	"github.com/warpsign/warpsign/internal/orchestrator"
	"github.com/warpsign/warpsign/internal/portal"
	"github.com/warpsign/warpsign/internal/reconcile"
	"github.com/warpsign/warpsign/internal/warpsignerrors"
)

// buildTransport wires the --proxy/--insecure persistent flags into an
// http.Transport the Portal Client and CI dispatcher both use, grounded
// on internal/netutil.ProxyFunc.
func buildTransport() http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = netutil.ProxyFunc(viper.GetString("proxy"))
	if viper.GetBool("insecure") {
		if t.TLSClientConfig == nil {
			t.TLSClientConfig = &tls.Config{}
		}
		t.TLSClientConfig.InsecureSkipVerify = true
	}
	return t
}

// promptSecondFactor satisfies portal.PromptFunc by reading a code from
// stdin, used for interactive `sign`. loginPortal passes nil instead when
// called with interactive=false, so a stale session that needs
// re-verification fails loudly rather than blocking a non-interactive job.
func promptSecondFactor(mode portal.PromptMode, hint string) (string, error) {
	fmt.Fprintln(os.Stderr, hint+":")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// loginPortal restores a cached session for cfg's Apple ID if one
// exists and is still accepted by the portal, otherwise runs a fresh
// SRP+2FA login and caches the result, mirroring the teacher's
// internal/download.DevPortal session-reuse behavior.
func loginPortal(ctx context.Context, cfg *config.Config, interactive bool) (*portal.Client, error) {
	if cfg.Account.AppleID == "" || cfg.Account.Password == "" {
		return nil, warpsignerrors.UserError("no Apple ID configured; run `warpsign setup` first")
	}

	sessionsDir, err := config.SessionsDir()
	if err != nil {
		return nil, err
	}
	vault, err := portal.OpenVault(sessionsDir)
	if err != nil {
		return nil, err
	}

	var promptFn portal.PromptFunc
	if interactive {
		promptFn = promptSecondFactor
	}
	transport := buildTransport()

	if c, err := portal.Restore(cfg.Account.AppleID, vault, promptFn, transport); err == nil {
		if _, err := c.ListTeams(ctx); err == nil {
			return c, nil
		}
		log.Debug("cached session rejected by portal, logging in fresh")
	}

	c, err := portal.New(promptFn, transport)
	if err != nil {
		return nil, err
	}
	if err := c.Login(ctx, cfg.Account.AppleID, cfg.Account.Password); err != nil {
		return nil, err
	}
	if err := vault.Save(c); err != nil {
		log.WithError(err).Warn("failed to persist portal session")
	}
	return c, nil
}

// resolveTeam picks the team to sign with: the --team flag if set,
// otherwise the account's sole team, otherwise a TeamAmbiguous error
// naming every team the caller must choose between.
func resolveTeam(ctx context.Context, c *portal.Client) (string, error) {
	if id := viper.GetString("team"); id != "" {
		return id, nil
	}
	teams, err := c.ListTeams(ctx)
	if err != nil {
		return "", err
	}
	if len(teams) == 1 {
		return teams[0].ID, nil
	}
	ids := make([]string, len(teams))
	for i, t := range teams {
		ids[i] = t.ID
	}
	return "", warpsignerrors.TeamAmbiguous(ids)
}

// certDir returns cfg's configured certificate directory, defaulting to
// <warpsign-home>/certificates per spec §6's filesystem layout.
func certDir(cfg *config.Config) string {
	if cfg.Signing.CertDir != "" {
		return cfg.Signing.CertDir
	}
	return filepath.Join(warpsignHome(), "certificates")
}

// loadCertificate reads <certDir>/<kind>/cert.p12 plus its adjacent
// cert_pass.txt, matches the parsed leaf against the team's already
// fetched certificate list to recover the Developer Portal certificate
// ID the provisioning profile needs, and returns everything
// orchestrator.CertificateIdentity requires to sign.
func loadCertificate(ctx context.Context, c *portal.Client, teamID string, kind reconcile.CertKind, baseCertDir string) (orchestrator.CertificateIdentity, error) {
	sub := "development"
	portalType := portal.CertDevelopment
	if kind == reconcile.CertDistribution {
		sub = "distribution"
		portalType = portal.CertDistribution
	}
	dir := filepath.Join(baseCertDir, sub)

	p12Path := filepath.Join(dir, "cert.p12")
	passPath := filepath.Join(dir, "cert_pass.txt")
	passBytes, err := os.ReadFile(passPath)
	if err != nil {
		return orchestrator.CertificateIdentity{}, warpsignerrors.UserError("no %s certificate password file at %s: %v", sub, passPath, err)
	}

	key, chain, err := codesign.ParseP12(p12Path, strings.TrimSpace(string(passBytes)))
	if err != nil {
		return orchestrator.CertificateIdentity{}, warpsignerrors.UserError("failed to load %s certificate %s: %v", sub, p12Path, err)
	}
	if len(chain) == 0 {
		return orchestrator.CertificateIdentity{}, warpsignerrors.UserError("%s is empty: no certificate found", p12Path)
	}

	certs, err := c.ListCertificates(ctx, teamID)
	if err != nil {
		return orchestrator.CertificateIdentity{}, err
	}
	var certID string
	for _, cert := range certs {
		if cert.Attributes.SerialNumber == chain[0].SerialNumber.Text(16) && cert.Attributes.CertificateType == portalType {
			certID = cert.ID
			break
		}
	}
	if certID == "" {
		return orchestrator.CertificateIdentity{}, warpsignerrors.UserError("no %s certificate on team %s matches %s; register it on the Developer Portal first", sub, teamID, p12Path)
	}

	return orchestrator.CertificateIdentity{
		TeamID:        teamID,
		CertificateID: certID,
		Chain:         chain,
		PrivateKey:    key,
		Kind:          kind,
	}, nil
}

// certKindFromFlags derives the certificate family `sign` needs: a
// development cert whenever --patch-debug asks for get-task-allow (the
// Developer Portal refuses that entitlement on a distribution cert),
// distribution otherwise.
func certKindFromFlags(patchDebug bool) reconcile.CertKind {
	if patchDebug {
		return reconcile.CertDevelopment
	}
	return reconcile.CertDistribution
}

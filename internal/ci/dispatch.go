// Package ci implements `warpsign sign-ci`'s handoff to an external
// signing collaborator: rather than holding the team's private key
// in-process, sign-ci passes the URL of an unsigned .ipa the caller has
// already made reachable (it uploads nothing itself) and triggers a
// GitHub Actions workflow_dispatch run that performs the actual signing
// on a trusted machine. Grounded on
// internal/portal.Client's shape (a bare net/http.Client issuing typed
// JSON requests) since no example repo in the corpus carries a GitHub
// API client to build on.
package ci

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/warpsign/warpsign/internal/warpsignerrors"
)

// Dispatcher triggers a workflow_dispatch run on a GitHub Actions
// workflow, passing the inputs the signing workflow expects.
type Dispatcher struct {
	http  *http.Client
	token string
	// Repository is "<owner>/<repo>", Workflow the workflow file's name
	// (e.g. "sign.yml"), both taken from the [ci] config table.
	Repository string
	Workflow   string
}

// New returns a Dispatcher authenticated with token, using transport as
// its underlying RoundTripper (nil selects http.DefaultTransport,
// matching every other network collaborator in WarpSign).
func New(token, repository, workflow string, transport http.RoundTripper) *Dispatcher {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Dispatcher{
		http:       &http.Client{Transport: transport},
		token:      token,
		Repository: repository,
		Workflow:   workflow,
	}
}

type dispatchRequest struct {
	Ref    string            `json:"ref"`
	Inputs map[string]string `json:"inputs,omitempty"`
}

// Dispatch triggers the configured workflow on ref (typically the
// repository's default branch), passing inputs as its workflow_dispatch
// inputs — sign-ci sends the artifact URL the job should fetch, the .ipa
// name, and the team ID and identifier prefix when they are set.
func (d *Dispatcher) Dispatch(ctx context.Context, ref string, inputs map[string]string) error {
	if d.Repository == "" || d.Workflow == "" {
		return warpsignerrors.UserError("sign-ci requires [ci] repository and workflow to be set in config.toml")
	}
	if d.token == "" {
		return warpsignerrors.UserError("sign-ci requires [ci] github_token to be set in config.toml")
	}

	url := fmt.Sprintf("https://api.github.com/repos/%s/actions/workflows/%s/dispatches", d.Repository, d.Workflow)
	body, err := json.Marshal(dispatchRequest{Ref: ref, Inputs: inputs})
	if err != nil {
		return fmt.Errorf("ci: failed to marshal dispatch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+d.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := d.http.Do(req)
	if err != nil {
		return warpsignerrors.PortalUnavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusCreated {
		var ghErr struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&ghErr)
		return warpsignerrors.PortalUnavailable(fmt.Errorf("github returned %d: %s", resp.StatusCode, ghErr.Message))
	}
	return nil
}

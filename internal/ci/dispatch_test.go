package ci

import (
	"context"
	"testing"

	"github.com/warpsign/warpsign/internal/warpsignerrors"
)

func TestDispatchRequiresRepositoryAndWorkflow(t *testing.T) {
	d := New("token", "", "", nil)
	err := d.Dispatch(context.Background(), "main", nil)
	we, ok := warpsignerrors.As(err)
	if !ok || we.Code != "UserError" {
		t.Errorf("Dispatch() error = %v, want UserError for missing repository/workflow", err)
	}
}

func TestDispatchRequiresToken(t *testing.T) {
	d := New("", "owner/repo", "sign.yml", nil)
	err := d.Dispatch(context.Background(), "main", nil)
	we, ok := warpsignerrors.As(err)
	if !ok || we.Code != "UserError" {
		t.Errorf("Dispatch() error = %v, want UserError for missing token", err)
	}
}

func TestNewDefaultsTransport(t *testing.T) {
	d := New("token", "owner/repo", "sign.yml", nil)
	if d.http.Transport == nil {
		t.Error("New() left http.Client.Transport nil instead of defaulting it")
	}
}

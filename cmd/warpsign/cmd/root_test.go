package cmd

import (
	"context"
	"errors"
	"testing"

	"github.com/warpsign/warpsign/internal/warpsignerrors"
)

func TestExitCodeCancellation(t *testing.T) {
	if got := exitCode(context.Canceled); got != 4 {
		t.Errorf("exitCode(context.Canceled) = %d, want 4", got)
	}
}

func TestExitCodeUnrecognisedErrorDefaultsToUser(t *testing.T) {
	if got := exitCode(errors.New("boom")); got != 1 {
		t.Errorf("exitCode(plain error) = %d, want 1", got)
	}
}

func TestExitCodeByKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"user error", warpsignerrors.UserError("bad flag"), 1},
		{"bundle error", warpsignerrors.UnsupportedMachO(errors.New("not macho")), 1},
		{"auth error", warpsignerrors.BadCredentials(errors.New("rejected")), 2},
		{"portal error", warpsignerrors.PortalUnavailable(errors.New("timeout")), 2},
		{"signer error", warpsignerrors.SignerFailed(errors.New("collaborator down")), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

package engine

import (
	"context"
	"strings"
	"testing"
)

func TestValidatePrompts(t *testing.T) {
	fx := setup(t, true)
	ctx := context.Background()

	if err := ValidatePrompts(ctx, fx.store, []string{"tutor"}); err != nil {
		t.Fatalf("validate existing template: %v", err)
	}
	if err := ValidatePrompts(ctx, fx.store, nil); err != nil {
		t.Fatalf("validate with no requirements: %v", err)
	}

	err := ValidatePrompts(ctx, fx.store, []string{"tutor", "onboarding", "summary"})
	if err == nil {
		t.Fatalf("expected error for missing templates")
	}
	if !strings.Contains(err.Error(), "onboarding") || !strings.Contains(err.Error(), "summary") {
		t.Fatalf("missing names must be reported: %v", err)
	}
}

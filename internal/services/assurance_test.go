package services

import (
	"testing"

	"github.com/receiptvault/backend/pkg/utils"
)

func TestRequireAAL2(t *testing.T) {
	if err := RequireAAL2(nil); err == nil {
		t.Fatal("nil claims must be refused")
	}
	if err := RequireAAL2(&utils.Claims{AAL: utils.AAL1}); err == nil {
		t.Fatal("aal1 must be refused")
	}
	if err := RequireAAL2(&utils.Claims{AAL: utils.AAL2}); err != nil {
		t.Fatalf("aal2 must pass, got %v", err)
	}
}

package widget_test

import (
	"context"
	"strings"
	"testing"

	"github.com/askbase/askbase/internal/store"
	"github.com/askbase/askbase/internal/widget"
	"github.com/askbase/askbase/pkg/fault"
	"github.com/askbase/askbase/pkg/models"
)

func TestIssuer_MintAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	issuer := widget.NewIssuer(store.NewMemoryStore())

	code, err := issuer.Mint(ctx, "ws1", "user1", "Docs widget", models.WidgetConfig{}, nil)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if !strings.HasPrefix(code.APIKey, "ak_") {
		t.Errorf("APIKey = %q, want ak_ prefix", code.APIKey)
	}
	// 32 random bytes base64url-encode to 43 characters.
	if got := len(strings.TrimPrefix(code.APIKey, "ak_")); got < 32 {
		t.Errorf("key length = %d, want >= 32", got)
	}
	if !code.Active {
		t.Error("minted code is not active")
	}
	if len(code.Config.WelcomeMessages) == 0 {
		t.Error("minted code has no default greeting")
	}

	resolved, err := issuer.Authenticate(ctx, code.APIKey)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if resolved.ID != code.ID {
		t.Errorf("resolved id = %s, want %s", resolved.ID, code.ID)
	}
}

func TestIssuer_MintedKeysAreUnique(t *testing.T) {
	ctx := context.Background()
	issuer := widget.NewIssuer(store.NewMemoryStore())

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := issuer.Mint(ctx, "ws1", "user1", "w", models.WidgetConfig{}, nil)
		if err != nil {
			t.Fatalf("Mint() error = %v", err)
		}
		if seen[code.APIKey] {
			t.Fatalf("duplicate api key %q", code.APIKey)
		}
		seen[code.APIKey] = true
	}
}

func TestIssuer_RotateInvalidatesOldKey(t *testing.T) {
	ctx := context.Background()
	issuer := widget.NewIssuer(store.NewMemoryStore())

	code, _ := issuer.Mint(ctx, "ws1", "user1", "w", models.WidgetConfig{}, nil)
	oldKey := code.APIKey

	rotated, err := issuer.Rotate(ctx, "ws1", code.ID)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if rotated.APIKey == oldKey {
		t.Fatal("Rotate() did not change the key")
	}

	if _, err := issuer.Authenticate(ctx, oldKey); !fault.IsKind(err, fault.PermissionDenied) {
		t.Errorf("old key kind = %v, want permission_denied", fault.KindOf(err))
	}
	if _, err := issuer.Authenticate(ctx, rotated.APIKey); err != nil {
		t.Errorf("new key Authenticate() error = %v", err)
	}
}

func TestIssuer_DeactivateRefusesKey(t *testing.T) {
	ctx := context.Background()
	issuer := widget.NewIssuer(store.NewMemoryStore())

	code, _ := issuer.Mint(ctx, "ws1", "user1", "w", models.WidgetConfig{}, nil)
	if err := issuer.Deactivate(ctx, "ws1", code.ID); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}
	if _, err := issuer.Authenticate(ctx, code.APIKey); !fault.IsKind(err, fault.PermissionDenied) {
		t.Errorf("deactivated key kind = %v, want permission_denied", fault.KindOf(err))
	}
}

func TestIssuer_AuthenticateUnknownKey(t *testing.T) {
	issuer := widget.NewIssuer(store.NewMemoryStore())
	if _, err := issuer.Authenticate(context.Background(), "ak_nope"); !fault.IsKind(err, fault.PermissionDenied) {
		t.Errorf("unknown key kind = %v, want permission_denied", fault.KindOf(err))
	}
	if _, err := issuer.Authenticate(context.Background(), ""); !fault.IsKind(err, fault.PermissionDenied) {
		t.Errorf("empty key kind = %v, want permission_denied", fault.KindOf(err))
	}
}

func TestOriginAllowed(t *testing.T) {
	open := models.EmbedCode{}
	if !open.OriginAllowed("https://anything.example") {
		t.Error("empty allowlist should allow any origin")
	}
	locked := models.EmbedCode{AllowedOrigins: []string{"https://docs.example.com"}}
	if !locked.OriginAllowed("https://docs.example.com") {
		t.Error("allowlisted origin rejected")
	}
	if locked.OriginAllowed("https://evil.example.com") {
		t.Error("foreign origin allowed")
	}
}

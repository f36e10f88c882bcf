package gateway

import (
	"errors"
	"testing"

	"leadflow/internal/domain"
	"leadflow/internal/infra/config"
)

func TestStaticTokenAuthValid(t *testing.T) {
	auth := NewStaticTokenAuth([]config.TokenConfig{
		{Token: "secret-123", Name: "crm-hook", Roles: []string{"admin"}},
	})

	info, err := auth.Authenticate("secret-123")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if info.Name != "crm-hook" {
		t.Errorf("Name = %q", info.Name)
	}
	if !info.HasRole("admin") {
		t.Errorf("Roles = %v, want admin", info.Roles)
	}
}

func TestStaticTokenAuthInvalid(t *testing.T) {
	auth := NewStaticTokenAuth([]config.TokenConfig{
		{Token: "secret-123", Name: "crm-hook"},
	})

	_, err := auth.Authenticate("wrong-token")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, domain.ErrGatewayAuth) {
		t.Errorf("err = %v, want ErrGatewayAuth", err)
	}
}

func TestStaticTokenAuthEmptyList(t *testing.T) {
	auth := NewStaticTokenAuth(nil)
	if _, err := auth.Authenticate("anything"); err == nil {
		t.Fatal("empty token list must reject every caller")
	}
}

func TestStaticTokenAuthSkipsBlankEntries(t *testing.T) {
	auth := NewStaticTokenAuth([]config.TokenConfig{
		{Token: "", Name: "misconfigured"},
	})
	// A blank configured token must not let a blank credential through.
	if _, err := auth.Authenticate(""); err == nil {
		t.Fatal("blank token entry must be ignored")
	}
}

func TestNewAuthenticatorSelection(t *testing.T) {
	open := NewAuthenticator(config.AuthConfig{})
	if _, ok := open.(AllowAllAuth); !ok {
		t.Errorf("no tokens: got %T, want AllowAllAuth", open)
	}
	if _, err := open.Authenticate(""); err != nil {
		t.Errorf("AllowAllAuth rejected: %v", err)
	}

	static := NewAuthenticator(config.AuthConfig{
		Tokens: []config.TokenConfig{{Token: "t", Name: "n"}},
	})
	if _, ok := static.(*StaticTokenAuth); !ok {
		t.Errorf("with tokens: got %T, want *StaticTokenAuth", static)
	}
}

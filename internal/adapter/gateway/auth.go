package gateway

import (
	"crypto/subtle"

	"leadflow/internal/domain"
	"leadflow/internal/infra/config"
)

// ClientInfo identifies an authenticated gateway caller.
type ClientInfo struct {
	Name  string
	Roles []string
}

// HasRole reports whether the client carries the given role.
func (c *ClientInfo) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Authenticator validates a bearer token and resolves the caller behind it.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

type tokenEntry struct {
	token []byte
	info  ClientInfo
}

// StaticTokenAuth authenticates against a fixed token list from config.
// Comparison is constant-time per entry so timing does not leak which
// token prefix matched.
type StaticTokenAuth struct {
	entries []tokenEntry
}

// NewStaticTokenAuth builds an authenticator from configured tokens.
// Entries with an empty token are skipped.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	auth := &StaticTokenAuth{}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		auth.entries = append(auth.entries, tokenEntry{
			token: []byte(t.Token),
			info:  ClientInfo{Name: t.Name, Roles: t.Roles},
		})
	}
	return auth
}

func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	candidate := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(candidate, e.token) == 1 {
			info := e.info
			return &info, nil
		}
	}
	return nil, domain.NewDomainError("gateway.Authenticate", domain.ErrGatewayAuth, "unknown token")
}

// AllowAllAuth accepts any caller. Used when no tokens are configured so a
// local setup works out of the box; doctor warns when the gateway runs open.
type AllowAllAuth struct{}

func (AllowAllAuth) Authenticate(string) (*ClientInfo, error) {
	return &ClientInfo{Name: "anonymous"}, nil
}

// NewAuthenticator picks the authenticator for the config: static tokens
// when any are set, open access otherwise.
func NewAuthenticator(cfg config.AuthConfig) Authenticator {
	if len(cfg.Tokens) > 0 {
		return NewStaticTokenAuth(cfg.Tokens)
	}
	return AllowAllAuth{}
}

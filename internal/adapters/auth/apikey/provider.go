// Package apikey resolves request principals from API keys or from a header
// set by a trusted upstream proxy.
package apikey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
	"github.com/tjfontaine/travel-agent-relay/internal/core/ports"
	"github.com/tjfontaine/travel-agent-relay/internal/pkg/config"
)

// AnonymousPrincipal owns every thread when authentication is disabled.
const AnonymousPrincipal = "anonymous"

// Provider implements ports.AuthProvider using API key authentication.
// Keys are stored as SHA-256 hashes.
type Provider struct {
	mu         sync.RWMutex
	principals map[string]config.PrincipalConfig // keyHash -> principal
}

// NewProvider creates a new API key auth provider.
func NewProvider(principals []config.PrincipalConfig) (*Provider, error) {
	p := &Provider{}
	if err := p.load(principals); err != nil {
		return nil, err
	}
	return p, nil
}

// Authenticate reads the key from "Authorization: Bearer <key>" or
// "X-API-Key" and returns its principal.
func (p *Provider) Authenticate(ctx context.Context, r *http.Request) (*ports.AuthContext, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, domain.Unauthorized("missing API key")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	principal, ok := p.principals[HashAPIKey(token)]
	if !ok {
		return nil, domain.Unauthorized("invalid API key")
	}

	return &ports.AuthContext{
		PrincipalID: principal.ID,
		Metadata: map[string]string{
			"description": principal.Description,
		},
	}, nil
}

func (p *Provider) load(principals []config.PrincipalConfig) error {
	byHash := make(map[string]config.PrincipalConfig, len(principals))
	for _, principal := range principals {
		if principal.ID == "" || principal.KeyHash == "" {
			return fmt.Errorf("principal requires id and key_hash")
		}
		byHash[strings.ToLower(principal.KeyHash)] = principal
	}

	p.mu.Lock()
	p.principals = byHash
	p.mu.Unlock()
	return nil
}

// ReloadFromConfig replaces the key table.
// This is called by the relay when config changes.
func (p *Provider) ReloadFromConfig(cfg *config.Config) error {
	return p.load(cfg.Auth.Principals)
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// HashAPIKey creates a SHA-256 hash of an API key for storage.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// TrustedHeader takes the principal from a header an upstream proxy has
// already verified.
type TrustedHeader struct {
	Header string
}

// Authenticate implements ports.AuthProvider.
func (h TrustedHeader) Authenticate(ctx context.Context, r *http.Request) (*ports.AuthContext, error) {
	principal := strings.TrimSpace(r.Header.Get(h.Header))
	if principal == "" {
		return nil, domain.Unauthorized("missing %s header", h.Header)
	}
	return &ports.AuthContext{PrincipalID: principal}, nil
}

// Anonymous authenticates every request as AnonymousPrincipal.
type Anonymous struct{}

// Authenticate implements ports.AuthProvider.
func (Anonymous) Authenticate(ctx context.Context, r *http.Request) (*ports.AuthContext, error) {
	return &ports.AuthContext{PrincipalID: AnonymousPrincipal}, nil
}

// NewFromConfig builds the provider selected by cfg.Mode.
func NewFromConfig(cfg config.AuthConfig) (ports.AuthProvider, error) {
	switch cfg.Mode {
	case "apikey":
		return NewProvider(cfg.Principals)
	case "header":
		if cfg.Header == "" {
			return nil, fmt.Errorf("auth.header is required for header mode")
		}
		return TrustedHeader{Header: cfg.Header}, nil
	case "none":
		return Anonymous{}, nil
	}
	return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
}

package apikey

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
	"github.com/tjfontaine/travel-agent-relay/internal/pkg/config"
)

func TestProvider_Authenticate(t *testing.T) {
	p, err := NewProvider([]config.PrincipalConfig{
		{ID: "alice", KeyHash: HashAPIKey("alice-key"), Description: "Alice"},
		{ID: "bob", KeyHash: HashAPIKey("bob-key")},
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	tests := []struct {
		name    string
		header  string
		value   string
		want    string
		wantErr bool
	}{
		{"bearer", "Authorization", "Bearer alice-key", "alice", false},
		{"x-api-key", "X-API-Key", "bob-key", "bob", false},
		{"unknown key", "Authorization", "Bearer nope", "", true},
		{"missing", "", "", "", true},
		{"basic auth ignored", "Authorization", "Basic YWxpY2U=", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/v1/threads", nil)
			if tt.header != "" {
				r.Header.Set(tt.header, tt.value)
			}
			got, err := p.Authenticate(context.Background(), r)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrAuthorization) {
					t.Fatalf("Authenticate() error = %v, want authorization error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if got.PrincipalID != tt.want {
				t.Errorf("PrincipalID = %q, want %q", got.PrincipalID, tt.want)
			}
		})
	}
}

func TestProvider_ReloadFromConfig(t *testing.T) {
	p, err := NewProvider(nil)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer new-key")
	if _, err := p.Authenticate(context.Background(), r); err == nil {
		t.Fatal("expected error before reload")
	}

	cfg := &config.Config{Auth: config.AuthConfig{Principals: []config.PrincipalConfig{
		{ID: "carol", KeyHash: HashAPIKey("new-key")},
	}}}
	if err := p.ReloadFromConfig(cfg); err != nil {
		t.Fatalf("ReloadFromConfig() error = %v", err)
	}
	got, err := p.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if got.PrincipalID != "carol" {
		t.Errorf("PrincipalID = %q, want carol", got.PrincipalID)
	}
}

func TestNewFromConfig(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Principal-ID", "dave")

	header, err := NewFromConfig(config.AuthConfig{Mode: "header", Header: "X-Principal-ID"})
	if err != nil {
		t.Fatalf("NewFromConfig(header) error = %v", err)
	}
	got, err := header.Authenticate(context.Background(), r)
	if err != nil || got.PrincipalID != "dave" {
		t.Errorf("header Authenticate() = %v, %v, want dave", got, err)
	}

	none, err := NewFromConfig(config.AuthConfig{Mode: "none"})
	if err != nil {
		t.Fatalf("NewFromConfig(none) error = %v", err)
	}
	got, _ = none.Authenticate(context.Background(), httptest.NewRequest("GET", "/", nil))
	if got.PrincipalID != AnonymousPrincipal {
		t.Errorf("none PrincipalID = %q, want %q", got.PrincipalID, AnonymousPrincipal)
	}

	if _, err := NewFromConfig(config.AuthConfig{Mode: "oauth"}); err == nil {
		t.Error("expected error for unsupported mode")
	}
	if _, err := NewFromConfig(config.AuthConfig{Mode: "apikey", Principals: []config.PrincipalConfig{{ID: "x"}}}); err == nil {
		t.Error("expected error for principal without key hash")
	}
}

func TestHashAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		apiKey   string
		expected string
	}{
		{
			name:     "simple key",
			apiKey:   "test-key-123",
			expected: "625faa3fbbc3d2bd9d6ee7678d04cc5339cb33dc68d9b58451853d60046e226a",
		},
		{
			name:     "empty key",
			apiKey:   "",
			expected: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash := HashAPIKey(tt.apiKey)
			if hash != tt.expected {
				t.Errorf("HashAPIKey() = %v, want %v", hash, tt.expected)
			}
		})
	}
}

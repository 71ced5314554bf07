// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

// Package byoa resolves bring-your-own-API-key credentials from the
// internal platform API and executes requests against them. BYOA
// requests are billed by the vendor directly, so their usage events
// carry zero cost and zero price.
package byoa

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agentworks/gateway/shared/logger"
)

const (
	// DefaultTimeout bounds the credential lookup; it sits on the
	// request path, so it stays short.
	DefaultTimeout = 5 * time.Second

	// serviceTokenTTL is the lifetime of the signed service token sent
	// with each lookup.
	serviceTokenTTL = 60 * time.Second

	// tokenIssuer identifies the gateway to the internal API.
	tokenIssuer = "agentworks-gateway"
)

// HTTPClient is an interface for HTTP client operations (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Credential is a workspace-supplied vendor API key resolved from the
// internal platform API.
type Credential struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
}

// Resolver looks up BYOA credentials over the internal platform API,
// authenticating with a short-lived HS256 service token. Resolution is
// strictly best-effort: any failure (network, auth, missing credential)
// resolves to nil and the caller falls back to platform keys.
type Resolver struct {
	baseURL string
	secret  []byte
	client  HTTPClient
	log     *logger.Logger
}

// Config contains configuration for the resolver.
type Config struct {
	BaseURL string        // Required: internal platform API base URL
	Secret  string        // Required: shared HS256 signing secret
	Timeout time.Duration // Optional: lookup timeout (default: 5s)
}

// NewResolver creates a credential resolver.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("byoa API base URL is required")
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("byoa service secret is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Resolver{
		baseURL: cfg.BaseURL,
		secret:  []byte(cfg.Secret),
		client:  &http.Client{Timeout: cfg.Timeout},
		log:     logger.New("byoa-resolver"),
	}, nil
}

// SetHTTPClient sets a custom HTTP client for testing.
func (r *Resolver) SetHTTPClient(client HTTPClient) {
	r.client = client
}

// GetCredential resolves the workspace's credential for a provider.
// Returns nil on any failure; a nil credential means "use platform
// keys", never an error the request path has to handle.
func (r *Resolver) GetCredential(ctx context.Context, workspaceID, provider string) *Credential {
	token, err := r.serviceToken()
	if err != nil {
		r.log.Warn(workspaceID, "", "Failed to sign service token", map[string]interface{}{"error": err.Error()})
		return nil
	}

	url := fmt.Sprintf("%s/internal/byoa/credential/%s/%s", r.baseURL, workspaceID, provider)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Warn(workspaceID, "", "BYOA credential lookup failed", map[string]interface{}{
			"provider": provider,
			"error":    err.Error(),
		})
		return nil
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var cred Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		r.log.Warn(workspaceID, "", "Malformed BYOA credential response", map[string]interface{}{
			"provider": provider,
			"error":    err.Error(),
		})
		return nil
	}
	if cred.APIKey == "" {
		return nil
	}
	if cred.Provider == "" {
		cred.Provider = provider
	}

	return &cred
}

// serviceToken signs a short-lived HS256 token identifying the gateway.
func (r *Resolver) serviceToken() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": tokenIssuer,
		"iat": now.Unix(),
		"exp": now.Add(serviceTokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

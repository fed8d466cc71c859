// Package identity is the client for the external identity provider. The
// provider owns credential storage and token issuance; this package only
// consumes its verification and account-management surface.
package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"medgate/pkg/auth"
	"medgate/pkg/faults"
	"medgate/pkg/httpx"
	"medgate/pkg/models"
)

// Metadata is the profile data embedded alongside an identity. On SetMetadata
// only non-zero fields are applied by the provider.
type Metadata struct {
	Name       string        `json:"name,omitempty"`
	Role       models.Role   `json:"role,omitempty"`
	Birthdate  string        `json:"birthdate,omitempty"`
	EmployeeID string        `json:"employee_id,omitempty"`
	Status     models.Status `json:"status,omitempty"`
}

type Provider interface {
	// Verify resolves an opaque bearer token to its account snapshot.
	Verify(ctx context.Context, token string) (models.Account, error)
	CreateIdentity(ctx context.Context, email, password string, meta Metadata) (string, error)
	GetIdentity(ctx context.Context, id string) (models.Account, error)
	SetMetadata(ctx context.Context, id string, patch Metadata) error
	DeleteIdentity(ctx context.Context, id string) error
	ListIdentities(ctx context.Context) ([]models.Account, error)
}

// HTTPProvider talks to an identity provider over its JSON API.
type HTTPProvider struct {
	Client     *http.Client
	BaseURL    string
	AuthHeader string
	AuthToken  string
	Retries    int
	RetryDelay time.Duration
}

func (p HTTPProvider) headers() map[string]string {
	if strings.TrimSpace(p.AuthHeader) == "" || strings.TrimSpace(p.AuthToken) == "" {
		return nil
	}
	return map[string]string{p.AuthHeader: p.AuthToken}
}

func (p HTTPProvider) do(ctx context.Context, method, path string, payload interface{}) (int, []byte, error) {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = b
	}
	status, respBody, err := httpx.RequestJSON(ctx, p.Client, method, strings.TrimRight(p.BaseURL, "/")+path, body, p.headers(), p.Retries, p.RetryDelay)
	if err != nil {
		return 0, nil, faults.Wrap(faults.Upstream, "identity provider unreachable", err)
	}
	return status, respBody, nil
}

func (p HTTPProvider) Verify(ctx context.Context, token string) (models.Account, error) {
	status, body, err := p.do(ctx, http.MethodPost, "/v1/verify", map[string]string{"token": token})
	if err != nil {
		return models.Account{}, err
	}
	// A token whose backing account is gone is indistinguishable from an
	// invalid token on purpose: stale identity must not leak.
	if status == http.StatusUnauthorized || status == http.StatusNotFound || status == http.StatusForbidden {
		return models.Account{}, faults.New(faults.Unauthenticated, "credential rejected")
	}
	if status != http.StatusOK {
		return models.Account{}, faults.New(faults.Upstream, "identity provider error")
	}
	var account models.Account
	if err := json.Unmarshal(body, &account); err != nil {
		return models.Account{}, faults.Wrap(faults.Upstream, "invalid verify response", err)
	}
	if strings.TrimSpace(account.ID) == "" {
		return models.Account{}, faults.New(faults.Unauthenticated, "credential rejected")
	}
	return account, nil
}

func (p HTTPProvider) CreateIdentity(ctx context.Context, email, password string, meta Metadata) (string, error) {
	status, body, err := p.do(ctx, http.MethodPost, "/v1/identities", map[string]interface{}{
		"email":    email,
		"password": password,
		"metadata": meta,
	})
	if err != nil {
		return "", err
	}
	if status == http.StatusConflict {
		return "", faults.New(faults.Conflict, "email already registered")
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", faults.New(faults.Upstream, "identity provider error")
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || strings.TrimSpace(resp.ID) == "" {
		return "", faults.New(faults.Upstream, "invalid create response")
	}
	return resp.ID, nil
}

func (p HTTPProvider) GetIdentity(ctx context.Context, id string) (models.Account, error) {
	status, body, err := p.do(ctx, http.MethodGet, "/v1/identities/"+id, nil)
	if err != nil {
		return models.Account{}, err
	}
	if status == http.StatusNotFound {
		return models.Account{}, faults.New(faults.NotFound, "account not found")
	}
	if status != http.StatusOK {
		return models.Account{}, faults.New(faults.Upstream, "identity provider error")
	}
	var account models.Account
	if err := json.Unmarshal(body, &account); err != nil {
		return models.Account{}, faults.Wrap(faults.Upstream, "invalid account response", err)
	}
	return account, nil
}

func (p HTTPProvider) SetMetadata(ctx context.Context, id string, patch Metadata) error {
	status, _, err := p.do(ctx, http.MethodPatch, "/v1/identities/"+id+"/metadata", patch)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return faults.New(faults.NotFound, "account not found")
	}
	if status != http.StatusOK {
		return faults.New(faults.Upstream, "identity provider error")
	}
	return nil
}

func (p HTTPProvider) DeleteIdentity(ctx context.Context, id string) error {
	status, _, err := p.do(ctx, http.MethodDelete, "/v1/identities/"+id, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return faults.New(faults.NotFound, "account not found")
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return faults.New(faults.Upstream, "identity provider error")
	}
	return nil
}

func (p HTTPProvider) ListIdentities(ctx context.Context) ([]models.Account, error) {
	status, body, err := p.do(ctx, http.MethodGet, "/v1/identities", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, faults.New(faults.Upstream, "identity provider error")
	}
	var resp struct {
		Accounts []models.Account `json:"accounts"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, faults.Wrap(faults.Upstream, "invalid list response", err)
	}
	return resp.Accounts, nil
}

// Resolver adapts a Provider into the per-request principal resolver used by
// the auth middleware. Every Resolve hits the provider; nothing is cached.
type Resolver struct {
	Provider Provider
}

func (r Resolver) Resolve(ctx context.Context, credential string) (auth.Principal, error) {
	account, err := r.Provider.Verify(ctx, credential)
	if err != nil {
		return auth.Principal{}, err
	}
	role, ok := models.ParseRole(string(account.Role))
	if !ok {
		return auth.Principal{}, faults.New(faults.Unauthenticated, "credential rejected")
	}
	status, ok := models.ParseStatus(string(account.Status))
	if !ok {
		status = models.StatusInactive
	}
	return auth.Principal{
		ID:     account.ID,
		Email:  account.Email,
		Role:   role,
		Status: status,
	}, nil
}

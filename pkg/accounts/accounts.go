// Package accounts implements the administrator-only account lifecycle:
// creation, status toggling, and terminal deletion, all delegated to the
// identity provider, with best-effort email notification on status changes.
package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"medgate/pkg/auth"
	"medgate/pkg/faults"
	"medgate/pkg/identity"
	"medgate/pkg/models"
	"medgate/pkg/notify"
	"medgate/pkg/policy"
	"medgate/pkg/store"
)

const (
	directoryKey        = "accounts:directory"
	defaultDirectoryTTL = 15 * time.Second
	// Dedup window for status notifications, sized to absorb an admin
	// double-submitting the same toggle.
	notifyDedupTTL = 30 * time.Second
)

type Service struct {
	Provider identity.Provider
	Notifier notify.Sink
	Logf     func(format string, args ...any)

	// OnNotify, when set, observes every notification send attempt.
	// Deduplicated sends are not attempts and are not reported.
	OnNotify func(failed bool)

	// Directory, when set, caches the account listing. Mutations through
	// this service invalidate it; out-of-band provider changes surface
	// after the TTL.
	Directory    store.Cache
	DirectoryTTL time.Duration
}

func (s *Service) logf(format string, args ...any) {
	if s.Logf != nil {
		s.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func forbidden(dec policy.Decision) error {
	return faults.New(faults.Forbidden, string(dec.Reason))
}

type CreateInput struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	Role       string `json:"role"`
	Birthdate  string `json:"birthdate"`
	EmployeeID string `json:"employee_id"`
}

// List returns every provider account. Admin only.
func (s *Service) List(ctx context.Context, principal auth.Principal) ([]models.Account, error) {
	if dec := policy.Authorize(principal, policy.ActionListAccounts, ""); !dec.Allowed {
		return nil, forbidden(dec)
	}
	if cached, ok := s.cachedDirectory(ctx); ok {
		return cached, nil
	}
	listing, err := s.Provider.ListIdentities(ctx)
	if err != nil {
		return nil, err
	}
	s.storeDirectory(ctx, listing)
	return listing, nil
}

func (s *Service) cachedDirectory(ctx context.Context) ([]models.Account, bool) {
	if s.Directory == nil {
		return nil, false
	}
	raw, ok, err := s.Directory.Get(ctx, directoryKey)
	if err != nil || !ok {
		return nil, false
	}
	var listing []models.Account
	if err := json.Unmarshal([]byte(raw), &listing); err != nil {
		_ = s.Directory.Del(ctx, directoryKey)
		return nil, false
	}
	return listing, true
}

func (s *Service) storeDirectory(ctx context.Context, listing []models.Account) {
	if s.Directory == nil {
		return
	}
	raw, err := json.Marshal(listing)
	if err != nil {
		return
	}
	ttl := s.DirectoryTTL
	if ttl <= 0 {
		ttl = defaultDirectoryTTL
	}
	if err := s.Directory.Set(ctx, directoryKey, string(raw), ttl); err != nil {
		s.logf("directory cache write failed: %v", err)
	}
}

func (s *Service) invalidateDirectory(ctx context.Context) {
	if s.Directory == nil {
		return
	}
	if err := s.Directory.Del(ctx, directoryKey); err != nil {
		s.logf("directory cache invalidation failed: %v", err)
	}
}

// Create registers a new identity with role and profile embedded as metadata
// and status active. All six fields are required; validation failures happen
// before any provider call. Role is fixed here for the life of the account.
func (s *Service) Create(ctx context.Context, principal auth.Principal, input CreateInput) (string, error) {
	if dec := policy.Authorize(principal, policy.ActionCreateAccount, ""); !dec.Allowed {
		return "", forbidden(dec)
	}
	input.Name = strings.TrimSpace(input.Name)
	input.Email = strings.TrimSpace(input.Email)
	input.Birthdate = strings.TrimSpace(input.Birthdate)
	input.EmployeeID = strings.TrimSpace(input.EmployeeID)
	if input.Name == "" || input.Email == "" || input.Password == "" ||
		input.Role == "" || input.Birthdate == "" || input.EmployeeID == "" {
		return "", faults.New(faults.Invalid, "name, email, password, role, birthdate and employee_id are required")
	}
	role, ok := models.ParseRole(input.Role)
	if !ok {
		return "", faults.New(faults.Invalid, "role must be admin, doctor or nurse")
	}
	id, err := s.Provider.CreateIdentity(ctx, input.Email, input.Password, identity.Metadata{
		Name:       input.Name,
		Role:       role,
		Birthdate:  input.Birthdate,
		EmployeeID: input.EmployeeID,
		Status:     models.StatusActive,
	})
	if err != nil {
		return "", err
	}
	s.invalidateDirectory(ctx)
	return id, nil
}

// ToggleStatus flips active<->inactive and then dispatches a notification
// describing the new status. The notification is best effort: a send failure
// is logged and the toggle still reports success.
func (s *Service) ToggleStatus(ctx context.Context, principal auth.Principal, accountID string) (models.Account, error) {
	if dec := policy.Authorize(principal, policy.ActionToggleAccount, ""); !dec.Allowed {
		return models.Account{}, forbidden(dec)
	}
	account, err := s.Provider.GetIdentity(ctx, accountID)
	if err != nil {
		return models.Account{}, err
	}
	next := account.Status.Toggle()
	if err := s.Provider.SetMetadata(ctx, accountID, identity.Metadata{Status: next}); err != nil {
		return models.Account{}, err
	}
	account.Status = next
	s.invalidateDirectory(ctx)
	s.dispatchStatusMail(ctx, account)
	return account, nil
}

func (s *Service) dispatchStatusMail(ctx context.Context, account models.Account) {
	if s.Notifier == nil {
		return
	}
	if s.Directory != nil {
		key := "accounts:notified:" + account.ID + ":" + string(account.Status)
		won, err := s.Directory.SetNX(ctx, key, "1", notifyDedupTTL)
		if err == nil && !won {
			return
		}
	}
	subject := "Your Account Has Been Reactivated"
	verb := "reactivated"
	if account.Status == models.StatusInactive {
		subject = "Your Account Has Been Deactivated"
		verb = "deactivated"
	}
	msg := notify.Message{
		To:      account.Email,
		Subject: subject,
		HTML: fmt.Sprintf(
			"<p>Hello %s,</p><p>Your account has been <b>%s</b> by the admin.</p><p>If you believe this is a mistake, please contact support.</p>",
			account.Name, verb,
		),
	}
	err := s.Notifier.Send(ctx, msg)
	if err != nil {
		s.logf("status notification failed for account %s: %v", account.ID, err)
	}
	if s.OnNotify != nil {
		s.OnNotify(err != nil)
	}
}

// Delete removes the identity permanently. Patient records owned by a deleted
// doctor are left in place with a dangling doctor_id; no cascade.
func (s *Service) Delete(ctx context.Context, principal auth.Principal, accountID string) error {
	if dec := policy.Authorize(principal, policy.ActionDeleteAccount, ""); !dec.Allowed {
		return forbidden(dec)
	}
	if err := s.Provider.DeleteIdentity(ctx, accountID); err != nil {
		return err
	}
	s.invalidateDirectory(ctx)
	return nil
}

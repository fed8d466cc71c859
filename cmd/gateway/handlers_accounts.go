package main

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"medgate/pkg/accounts"
	"medgate/pkg/httpx"
	"medgate/pkg/policy"
)

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	items, err := s.Accounts.List(r.Context(), principal)
	s.recordDecision(r.Context(), principal, policy.ActionListAccounts, "", err)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"accounts": items})
}

func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	var input accounts.CreateInput
	if err := readRequestBody(r, &input); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.Accounts.Create(r.Context(), principal, input)
	s.recordDecision(r.Context(), principal, policy.ActionCreateAccount, id, err)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.publishEvent(r.Context(), "account.created", principal.ID, id)
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) toggleAccount(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	accountID := chi.URLParam(r, "account_id")
	account, err := s.Accounts.ToggleStatus(r.Context(), principal, accountID)
	s.recordDecision(r.Context(), principal, policy.ActionToggleAccount, accountID, err)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.publishEvent(r.Context(), "account."+string(account.Status), principal.ID, accountID)
	httpx.WriteJSON(w, http.StatusOK, account)
}

func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	accountID := chi.URLParam(r, "account_id")
	err := s.Accounts.Delete(r.Context(), principal, accountID)
	s.recordDecision(r.Context(), principal, policy.ActionDeleteAccount, accountID, err)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.publishEvent(r.Context(), "account.deleted", principal.ID, accountID)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": accountID})
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	items, err := s.Audit.Recent(r.Context(), limit)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"audit": items})
}

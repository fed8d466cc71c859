package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"medgate/pkg/httpx"
	"medgate/pkg/models"
	"medgate/pkg/policy"
	"medgate/pkg/records"
)

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	items, err := s.Records.List(r.Context(), principal)
	s.recordDecision(r.Context(), principal, policy.ActionListRecords, "", err)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"records": items})
}

func (s *Server) createRecord(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	var input records.CreateInput
	if err := readRequestBody(r, &input); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.Records.Create(r.Context(), principal, input)
	s.recordDecision(r.Context(), principal, policy.ActionCreateRecord, rec.ID, err)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.publishEvent(r.Context(), "record.created", principal.ID, rec.ID)
	httpx.WriteJSON(w, http.StatusCreated, rec)
}

func (s *Server) updateRecord(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	recordID := chi.URLParam(r, "record_id")
	var patch models.RecordPatch
	if err := readRequestBody(r, &patch); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.Records.Update(r.Context(), principal, recordID, patch)
	s.recordDecision(r.Context(), principal, policy.ActionUpdateRecord, recordID, err)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.publishEvent(r.Context(), "record.updated", principal.ID, rec.ID)
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) deleteRecord(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	recordID := chi.URLParam(r, "record_id")
	err := s.Records.Delete(r.Context(), principal, recordID)
	s.recordDecision(r.Context(), principal, policy.ActionDeleteRecord, recordID, err)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.publishEvent(r.Context(), "record.deleted", principal.ID, recordID)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": recordID})
}

func (s *Server) appendComment(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	recordID := chi.URLParam(r, "record_id")
	var input struct {
		Text string `json:"text"`
	}
	if err := readRequestBody(r, &input); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	merged, err := s.Records.AppendComment(r.Context(), principal, recordID, input.Text)
	s.recordDecision(r.Context(), principal, policy.ActionAnnotateRecord, recordID, err)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.publishEvent(r.Context(), "record.annotated", principal.ID, recordID)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"id": recordID, "nurse_comment": merged})
}

func (s *Server) clearComment(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	recordID := chi.URLParam(r, "record_id")
	err := s.Records.ClearComment(r.Context(), principal, recordID)
	s.recordDecision(r.Context(), principal, policy.ActionAnnotateRecord, recordID, err)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.publishEvent(r.Context(), "record.comment_cleared", principal.ID, recordID)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"id": recordID, "nurse_comment": ""})
}

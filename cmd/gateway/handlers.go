package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"medgate/pkg/audit"
	"medgate/pkg/auth"
	"medgate/pkg/events"
	"medgate/pkg/faults"
	"medgate/pkg/httpx"
	"medgate/pkg/policy"
	"medgate/pkg/stream"
)

func readRequestBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func (s *Server) writeFault(w http.ResponseWriter, err error) {
	httpx.Error(w, faults.HTTPStatus(err), faults.Message(err))
}

// recordDecision persists the authorization outcome of one action-surface
// call. Success is an ALLOW row; a Forbidden error is a DENY row carrying the
// internal reason. Other failures (validation, not-found, upstream) are not
// authorization outcomes and leave no row. Audit failures are counted, not
// surfaced.
func (s *Server) recordDecision(ctx context.Context, principal auth.Principal, action policy.Action, resourceID string, opErr error) {
	decision := audit.DecisionAllow
	reason := ""
	if opErr != nil {
		if !faults.IsKind(opErr, faults.Forbidden) {
			return
		}
		decision = audit.DecisionDeny
		var fe *faults.Error
		if errors.As(opErr, &fe) {
			reason = fe.Msg
		}
	}
	s.Metrics.IncDecision(string(action), decision)
	if decision == audit.DecisionDeny {
		s.Metrics.IncDenyReason(reason)
	}
	if s.Hub != nil {
		s.Hub.Publish(stream.NewEvent("decision", map[string]string{
			"action":      string(action),
			"actor_role":  string(principal.Role),
			"decision":    decision,
			"reason":      reason,
			"resource_id": resourceID,
		}))
	}
	if s.Audit == nil {
		return
	}
	err := s.Audit.Append(ctx, audit.Record{
		ID:          uuid.New().String(),
		ActorIDHash: audit.HashActor(principal.ID),
		ActorRole:   string(principal.Role),
		Action:      string(action),
		ResourceID:  resourceID,
		Decision:    decision,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		s.Metrics.IncAuditAppendFailure()
		log.Printf("audit append failed: %v", err)
	}
}

// publishEvent emits a lifecycle event to kafka after a successful mutation.
// Best effort: publish failures are counted and logged only.
func (s *Server) publishEvent(ctx context.Context, eventType, actorID, resourceID string) {
	if s.Events == nil {
		return
	}
	evt := events.New(eventType, actorID, resourceID)
	ctxPub, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.Events.Publish(ctxPub, evt); err != nil {
		s.Metrics.IncEventPublishError()
		log.Printf("event publish failed (%s): %v", eventType, err)
	}
}

func (s *Server) principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
	}
	return principal, ok
}

// Package audit persists one row per authorization decision on the action
// surface. Actor ids are stored hashed; the audit trail carries the internal
// deny reason that is never echoed to callers.
package audit

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Writer struct {
	DB auditDB
}

type Record struct {
	ID          string    `json:"id"`
	ActorIDHash string    `json:"actor_id_hash"`
	ActorRole   string    `json:"actor_role"`
	Action      string    `json:"action"`
	ResourceID  string    `json:"resource_id,omitempty"`
	Decision    string    `json:"decision"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

const (
	DecisionAllow = "ALLOW"
	DecisionDeny  = "DENY"
)

// HashActor produces the stable actor hash stored in audit rows.
func HashActor(actorID string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(actorID)))
	return fmt.Sprintf("%x", sum[:])
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	_, err := w.DB.Exec(ctx, `
		INSERT INTO access_audit
		(id, actor_id_hash, actor_role, action, resource_id, decision, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.ID, rec.ActorIDHash, rec.ActorRole, rec.Action, rec.ResourceID, rec.Decision, rec.Reason, rec.CreatedAt)
	return err
}

// Recent returns the newest decisions, most recent first.
func (w *Writer) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT id, actor_id_hash, actor_role, action, COALESCE(resource_id, ''), decision, COALESCE(reason, ''), created_at
		FROM access_audit ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]Record, 0, limit)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.ActorIDHash, &rec.ActorRole, &rec.Action, &rec.ResourceID, &rec.Decision, &rec.Reason, &rec.CreatedAt); err == nil {
			items = append(items, rec)
		}
	}
	return items, rows.Err()
}

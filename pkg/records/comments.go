package records

import (
	"context"
	"strings"

	"medgate/pkg/auth"
	"medgate/pkg/faults"
	"medgate/pkg/policy"
)

// AppendComment adds a nurse annotation line. The stored value is append-only
// within one call: an existing comment is never overwritten, the new text is
// concatenated after a newline. Any active nurse may annotate any record;
// ownership does not apply.
//
// The read-modify-write below is not coordinated across requests. Two nurses
// appending concurrently can race and one write can be lost; accepted because
// per-record write concurrency is expected to be low.
func (s *Service) AppendComment(ctx context.Context, principal auth.Principal, id, text string) (string, error) {
	if dec := policy.Authorize(principal, policy.ActionAnnotateRecord, ""); !dec.Allowed {
		return "", forbidden(dec)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", faults.New(faults.Invalid, "comment text is required")
	}
	rec, err := s.get(ctx, id)
	if err != nil {
		return "", err
	}
	merged := text
	if rec.NurseComment != "" {
		merged = rec.NurseComment + "\n" + text
	}
	if _, err := s.DB.Exec(ctx, `UPDATE patient_records SET nurse_comment=$2 WHERE id=$1`, rec.ID, merged); err != nil {
		return "", faults.Wrap(faults.Upstream, "append comment", err)
	}
	return merged, nil
}

// ClearComment unconditionally resets the annotation to NULL. No audit of the
// prior content is retained here; a subsequent append starts fresh.
func (s *Service) ClearComment(ctx context.Context, principal auth.Principal, id string) error {
	if dec := policy.Authorize(principal, policy.ActionAnnotateRecord, ""); !dec.Allowed {
		return forbidden(dec)
	}
	if _, err := s.get(ctx, id); err != nil {
		return err
	}
	if _, err := s.DB.Exec(ctx, `UPDATE patient_records SET nurse_comment=NULL WHERE id=$1`, id); err != nil {
		return faults.Wrap(faults.Upstream, "clear comment", err)
	}
	return nil
}

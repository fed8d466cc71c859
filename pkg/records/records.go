// Package records applies the role policy to concrete patient-record
// operations against the backing store: ownership-filtered listing, creation,
// field-restricted update, deletion, and the nurse annotation merge.
package records

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"medgate/pkg/auth"
	"medgate/pkg/faults"
	"medgate/pkg/models"
	"medgate/pkg/policy"
)

type recordsDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Service struct {
	DB recordsDB
}

type CreateInput struct {
	PatientName       string `json:"patient_name"`
	PatientChart      string `json:"patient_chart"`
	PatientMedication string `json:"patient_medication"`
	PatientHistory    string `json:"patient_history"`
}

func forbidden(dec policy.Decision) error {
	return faults.New(faults.Forbidden, string(dec.Reason))
}

const recordColumns = `id, patient_name, patient_chart, patient_medication, patient_history, doctor_id, COALESCE(nurse_comment, ''), created_at`

func scanRecord(row pgx.Row) (models.PatientRecord, error) {
	var rec models.PatientRecord
	err := row.Scan(&rec.ID, &rec.PatientName, &rec.PatientChart, &rec.PatientMedication,
		&rec.PatientHistory, &rec.DoctorID, &rec.NurseComment, &rec.CreatedAt)
	return rec, err
}

// List returns records in creation order. Doctors see only records they own;
// nurses see the full collection. No pagination: the collection is unbounded
// by contract.
func (s *Service) List(ctx context.Context, principal auth.Principal) ([]models.PatientRecord, error) {
	if dec := policy.Authorize(principal, policy.ActionListRecords, ""); !dec.Allowed {
		return nil, forbidden(dec)
	}
	var (
		rows pgx.Rows
		err  error
	)
	if principal.Role == models.RoleDoctor {
		rows, err = s.DB.Query(ctx, `SELECT `+recordColumns+` FROM patient_records WHERE doctor_id=$1 ORDER BY created_at`, principal.ID)
	} else {
		rows, err = s.DB.Query(ctx, `SELECT `+recordColumns+` FROM patient_records ORDER BY created_at`)
	}
	if err != nil {
		return nil, faults.Wrap(faults.Upstream, "list records", err)
	}
	defer rows.Close()
	items := []models.PatientRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, faults.Wrap(faults.Upstream, "scan record", err)
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Wrap(faults.Upstream, "list records", err)
	}
	return items, nil
}

// Create inserts a new record owned by the creating doctor. All four clinical
// fields are required; doctor_id is stamped exactly once, here.
func (s *Service) Create(ctx context.Context, principal auth.Principal, input CreateInput) (models.PatientRecord, error) {
	if dec := policy.Authorize(principal, policy.ActionCreateRecord, ""); !dec.Allowed {
		return models.PatientRecord{}, forbidden(dec)
	}
	input.PatientName = strings.TrimSpace(input.PatientName)
	input.PatientChart = strings.TrimSpace(input.PatientChart)
	input.PatientMedication = strings.TrimSpace(input.PatientMedication)
	input.PatientHistory = strings.TrimSpace(input.PatientHistory)
	if input.PatientName == "" || input.PatientChart == "" || input.PatientMedication == "" || input.PatientHistory == "" {
		return models.PatientRecord{}, faults.New(faults.Invalid, "patient_name, patient_chart, patient_medication and patient_history are required")
	}
	rec := models.PatientRecord{
		ID:                uuid.New().String(),
		PatientName:       input.PatientName,
		PatientChart:      input.PatientChart,
		PatientMedication: input.PatientMedication,
		PatientHistory:    input.PatientHistory,
		DoctorID:          principal.ID,
		CreatedAt:         time.Now().UTC(),
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO patient_records
		(id, patient_name, patient_chart, patient_medication, patient_history, doctor_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.ID, rec.PatientName, rec.PatientChart, rec.PatientMedication, rec.PatientHistory, rec.DoctorID, rec.CreatedAt)
	if err != nil {
		return models.PatientRecord{}, faults.Wrap(faults.Upstream, "insert record", err)
	}
	return rec, nil
}

func (s *Service) get(ctx context.Context, id string) (models.PatientRecord, error) {
	rec, err := scanRecord(s.DB.QueryRow(ctx, `SELECT `+recordColumns+` FROM patient_records WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PatientRecord{}, faults.New(faults.NotFound, "record not found")
	}
	if err != nil {
		return models.PatientRecord{}, faults.Wrap(faults.Upstream, "fetch record", err)
	}
	return rec, nil
}

// Update merges the permitted clinical fields into an existing record. Only
// the owning doctor may update; doctor_id and nurse_comment are not writable
// through this path. The fetch-then-write is uncoordinated: concurrent
// updates to the same record race (last write wins).
func (s *Service) Update(ctx context.Context, principal auth.Principal, id string, patch models.RecordPatch) (models.PatientRecord, error) {
	rec, err := s.get(ctx, id)
	if err != nil {
		return models.PatientRecord{}, err
	}
	if dec := policy.Authorize(principal, policy.ActionUpdateRecord, rec.DoctorID); !dec.Allowed {
		return models.PatientRecord{}, forbidden(dec)
	}
	if patch.Empty() {
		return models.PatientRecord{}, faults.New(faults.Invalid, "no updatable fields in patch")
	}
	if patch.PatientName != nil {
		rec.PatientName = strings.TrimSpace(*patch.PatientName)
	}
	if patch.PatientChart != nil {
		rec.PatientChart = strings.TrimSpace(*patch.PatientChart)
	}
	if patch.PatientMedication != nil {
		rec.PatientMedication = strings.TrimSpace(*patch.PatientMedication)
	}
	if patch.PatientHistory != nil {
		rec.PatientHistory = strings.TrimSpace(*patch.PatientHistory)
	}
	if rec.PatientName == "" || rec.PatientChart == "" || rec.PatientMedication == "" || rec.PatientHistory == "" {
		return models.PatientRecord{}, faults.New(faults.Invalid, "clinical fields must be non-empty")
	}
	_, err = s.DB.Exec(ctx, `
		UPDATE patient_records
		SET patient_name=$2, patient_chart=$3, patient_medication=$4, patient_history=$5
		WHERE id=$1
	`, rec.ID, rec.PatientName, rec.PatientChart, rec.PatientMedication, rec.PatientHistory)
	if err != nil {
		return models.PatientRecord{}, faults.Wrap(faults.Upstream, "update record", err)
	}
	return rec, nil
}

// Delete removes a record. Ownership rule is identical to Update.
func (s *Service) Delete(ctx context.Context, principal auth.Principal, id string) error {
	rec, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if dec := policy.Authorize(principal, policy.ActionDeleteRecord, rec.DoctorID); !dec.Allowed {
		return forbidden(dec)
	}
	if _, err := s.DB.Exec(ctx, `DELETE FROM patient_records WHERE id=$1`, rec.ID); err != nil {
		return faults.Wrap(faults.Upstream, "delete record", err)
	}
	return nil
}

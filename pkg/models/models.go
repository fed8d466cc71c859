package models

import (
	"strings"
	"time"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleDoctor Role = "doctor"
	RoleNurse  Role = "nurse"
)

// ParseRole normalizes a raw role string. Unknown values return false.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleDoctor:
		return RoleDoctor, true
	case RoleNurse:
		return RoleNurse, true
	}
	return "", false
}

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

func ParseStatus(raw string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusActive:
		return StatusActive, true
	case StatusInactive:
		return StatusInactive, true
	}
	return "", false
}

// Toggle flips active<->inactive. Deletion is terminal and not a status.
func (s Status) Toggle() Status {
	if s == StatusActive {
		return StatusInactive
	}
	return StatusActive
}

// Account is an administrator-managed identity record. Role is fixed at
// creation; status is the only mutable field afterwards.
type Account struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Role       Role      `json:"role"`
	Birthdate  string    `json:"birthdate"`
	EmployeeID string    `json:"employee_id"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// PatientRecord is a clinical entry owned by the doctor that created it.
// DoctorID is stamped once at creation and never reassigned. NurseComment is
// the shared annotation accumulator; empty means no annotation.
type PatientRecord struct {
	ID                string    `json:"id"`
	PatientName       string    `json:"patient_name"`
	PatientChart      string    `json:"patient_chart"`
	PatientMedication string    `json:"patient_medication"`
	PatientHistory    string    `json:"patient_history"`
	DoctorID          string    `json:"doctor_id"`
	NurseComment      string    `json:"nurse_comment,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// RecordPatch carries the clinical fields a doctor may change. Nil pointers
// leave the stored value untouched. DoctorID and NurseComment are not
// patchable through this type.
type RecordPatch struct {
	PatientName       *string `json:"patient_name,omitempty"`
	PatientChart      *string `json:"patient_chart,omitempty"`
	PatientMedication *string `json:"patient_medication,omitempty"`
	PatientHistory    *string `json:"patient_history,omitempty"`
}

func (p RecordPatch) Empty() bool {
	return p.PatientName == nil && p.PatientChart == nil &&
		p.PatientMedication == nil && p.PatientHistory == nil
}

package models

import "testing"

func TestParseRole(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]Role{
		"admin":   RoleAdmin,
		" Doctor ": RoleDoctor,
		"NURSE":   RoleNurse,
	} {
		got, ok := ParseRole(raw)
		if !ok || got != want {
			t.Fatalf("ParseRole(%q) = %q, %v", raw, got, ok)
		}
	}
	for _, raw := range []string{"", "superuser", "doctors"} {
		if _, ok := ParseRole(raw); ok {
			t.Fatalf("ParseRole(%q) should fail", raw)
		}
	}
}

func TestParseStatusAndToggle(t *testing.T) {
	t.Parallel()

	if s, ok := ParseStatus(" Active "); !ok || s != StatusActive {
		t.Fatalf("ParseStatus active failed: %q %v", s, ok)
	}
	if _, ok := ParseStatus("deleted"); ok {
		t.Fatal("deleted is not a status")
	}

	if StatusActive.Toggle() != StatusInactive {
		t.Fatal("active should toggle to inactive")
	}
	if StatusInactive.Toggle() != StatusActive {
		t.Fatal("inactive should toggle to active")
	}
	if s := StatusActive.Toggle().Toggle(); s != StatusActive {
		t.Fatalf("double toggle should round-trip, got %s", s)
	}
}

func TestRecordPatchEmpty(t *testing.T) {
	t.Parallel()

	if !(RecordPatch{}).Empty() {
		t.Fatal("zero patch should be empty")
	}
	name := "x"
	if (RecordPatch{PatientName: &name}).Empty() {
		t.Fatal("patch with a field should not be empty")
	}
	blank := ""
	if (RecordPatch{PatientHistory: &blank}).Empty() {
		t.Fatal("explicit empty-string field still counts as set")
	}
}

package model

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateID(t *testing.T) {
	types := []IDType{IDTypeSession, IDTypePlan, IDTypeStep, IDTypeCheckpoint, IDTypeSnapshot, IDTypeAction, IDTypeChange}

	for _, idType := range types {
		t.Run(string(idType), func(t *testing.T) {
			id, err := GenerateID(idType)
			if err != nil {
				t.Fatalf("GenerateID(%s) returned error: %v", idType, err)
			}
			if !ValidateID(id) {
				t.Errorf("generated ID %q does not match regex", id)
			}
			if !strings.HasPrefix(id, string(idType)+"_") {
				t.Errorf("expected prefix %q, got %q", idType, id)
			}
		})
	}
}

func TestGenerateID_InvalidType(t *testing.T) {
	if _, err := GenerateID("invalid"); err == nil {
		t.Error("expected error for invalid ID type")
	}
}

func TestMustGenerateID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id := MustGenerateID(IDTypeStep)
		if seen[id] {
			t.Fatalf("duplicate ID %q", id)
		}
		seen[id] = true
	}
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"sess_1771722000_a3f2b7c1", true},
		{"ckpt_1771722000_00000000", true},
		{"chg_1771722000_ffffffff", true},
		{"task_1771722000_a3f2b7c1", false},
		{"sess_177172200_a3f2b7c1", false},
		{"sess_1771722000_A3F2B7C1", false},
		{"sess_1771722000_a3f2b7c", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := ValidateID(tt.id); got != tt.valid {
				t.Errorf("ValidateID(%q) = %v, want %v", tt.id, got, tt.valid)
			}
		})
	}
}

func TestParseIDType(t *testing.T) {
	got, err := ParseIDType("snap_1771722000_a3f2b7c1")
	if err != nil {
		t.Fatalf("ParseIDType: %v", err)
	}
	if got != IDTypeSnapshot {
		t.Errorf("got %q, want %q", got, IDTypeSnapshot)
	}
	if _, err := ParseIDType("nope"); err == nil {
		t.Error("expected error for malformed id")
	}
}

func TestParseIDTimestamp(t *testing.T) {
	ts, err := ParseIDTimestamp("plan_1771722000_a3f2b7c1")
	if err != nil {
		t.Fatalf("ParseIDTimestamp: %v", err)
	}
	if !ts.Equal(time.Unix(1771722000, 0)) {
		t.Errorf("got %v", ts)
	}
}

func TestParseID(t *testing.T) {
	p, err := ParseID("ckpt_1771722000_0a1b2c3d")
	if err != nil {
		t.Fatalf("ParseID: %v", err)
	}
	if p.Type != IDTypeCheckpoint || p.Suffix != "0a1b2c3d" || p.CreatedAt.Unix() != 1771722000 {
		t.Errorf("unexpected parts: %+v", p)
	}
	for _, bad := range []string{"ckpt_1771722000", "ckpt_1771722000_0a1b2c3d_x", "ckpt_+771722000_0a1b2c3d", "ckpt_1771722000_0a1b2c3g"} {
		if _, err := ParseID(bad); err == nil {
			t.Errorf("ParseID(%q) should fail", bad)
		}
	}
}

func TestCheckID(t *testing.T) {
	if err := CheckID("sess_1771722000_a3f2b7c1", IDTypeSession); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := CheckID("snap_1771722000_a3f2b7c1", IDTypeSession)
	if err == nil || !strings.Contains(err.Error(), "want sess") {
		t.Errorf("expected type mismatch, got %v", err)
	}
	if err := CheckID("session_1", IDTypeSession); err == nil {
		t.Error("expected malformed ID error")
	}
}

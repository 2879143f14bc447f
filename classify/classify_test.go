package classify

import (
	"testing"

	"github.com/trailguard/trailguard/changelog"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		table string
		want  Category
	}{
		{"users", CategoryIdentity},
		{"credentials", CategoryCredential},
		{"auth_tokens", CategoryCredential},
		{"orders", CategoryGeneric},
		{"", CategoryGeneric},
		{"USERS", CategoryGeneric},
	}
	for _, tc := range cases {
		if got := Classify(tc.table); got != tc.want {
			t.Errorf("Classify(%q) = %v, want %v", tc.table, got, tc.want)
		}
	}
}

func TestIsCritical(t *testing.T) {
	cases := []struct {
		name   string
		op     changelog.Operation
		table  string
		before map[string]any
		after  map[string]any
		want   bool
	}{
		{
			name:  "identity delete",
			op:    changelog.OpDelete,
			table: "users",
			want:  true,
		},
		{
			name:  "generic delete",
			op:    changelog.OpDelete,
			table: "orders",
			want:  false,
		},
		{
			name:   "identity update changes password hash",
			op:     changelog.OpUpdate,
			table:  "users",
			before: map[string]any{"password_hash": "old"},
			after:  map[string]any{"password_hash": "new"},
			want:   true,
		},
		{
			name:   "identity update leaves password hash unchanged",
			op:     changelog.OpUpdate,
			table:  "users",
			before: map[string]any{"password_hash": "same", "email": "a@b.c"},
			after:  map[string]any{"password_hash": "same", "email": "x@y.z"},
			want:   false,
		},
		{
			name:   "identity update adds credential field",
			op:     changelog.OpUpdate,
			table:  "users",
			before: map[string]any{"email": "a@b.c"},
			after:  map[string]any{"email": "a@b.c", "secret": "s"},
			want:   true,
		},
		{
			name:   "identity update without credential fields",
			op:     changelog.OpUpdate,
			table:  "users",
			before: map[string]any{"email": "a@b.c"},
			after:  map[string]any{"email": "x@y.z"},
			want:   false,
		},
		{
			name:   "identity insert is not critical",
			op:     changelog.OpInsert,
			table:  "users",
			after:  map[string]any{"password_hash": "h"},
			want:   false,
		},
		{
			name:   "credential table update is not escalated",
			op:     changelog.OpUpdate,
			table:  "credentials",
			before: map[string]any{"secret": "old"},
			after:  map[string]any{"secret": "new"},
			want:   false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsCritical(tc.op, tc.table, tc.before, tc.after); got != tc.want {
				t.Errorf("IsCritical = %v, want %v", got, tc.want)
			}
		})
	}
}

// Snapshots arrive decoded from JSON on one side and msgpack on the other,
// so the same stored value can surface as different Go types.
func TestFieldChangeToleratesDecoderDrift(t *testing.T) {
	before := map[string]any{"password_hash": []byte("same"), "token_hash": int64(7)}
	after := map[string]any{"password_hash": "same", "token_hash": float64(7)}

	if IsCritical(changelog.OpUpdate, "users", before, after) {
		t.Error("representation drift misread as a credential change")
	}

	after["token_hash"] = float64(8)
	if !IsCritical(changelog.OpUpdate, "users", before, after) {
		t.Error("numeric credential change not detected")
	}
}

func TestAssessRisk(t *testing.T) {
	cases := []struct {
		origin string
		want   Risk
	}{
		{"127.0.0.1", RiskLow},
		{"127.0.0.1:54321", RiskLow},
		{"::1", RiskLow},
		{"[::1]:8080", RiskLow},
		{"localhost", RiskLow},
		{"localhost:3000", RiskLow},
		{"0.0.0.0", RiskLow},
		{"203.0.113.5", RiskMedium},
		{"203.0.113.5:443", RiskMedium},
		{"10.0.0.7", RiskMedium},
		{"not-an-address", RiskMedium},
		{"", RiskMedium},
	}
	for _, tc := range cases {
		if got := AssessRisk(tc.origin); got != tc.want {
			t.Errorf("AssessRisk(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}
}

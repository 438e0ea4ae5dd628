package policy

import (
	"errors"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/amphorastore/amphora/pkg/faults"
	"github.com/amphorastore/amphora/pkg/types"
)

func newTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "policy.db"), 0600, nil)
	if err != nil {
		t.Fatalf("bolt.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	err = db.Update(func(tx *bolt.Tx) error { return InitBuckets(tx) })
	if err != nil {
		t.Fatalf("InitBuckets() error: %v", err)
	}
	return db
}

// TestValidate tests policy key and value validation
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  types.Policy
		wantErr bool
	}{
		{"empty", types.Policy{}, false},
		{"valid quota", types.Policy{types.QuotaPolicy: "1024"}, false},
		{"zero quota", types.Policy{types.QuotaPolicy: "0"}, false},
		{"negative quota", types.Policy{types.QuotaPolicy: "-1"}, true},
		{"non-numeric quota", types.Policy{types.QuotaPolicy: "lots"}, true},
		{"versioning auto", types.Policy{types.VersioningPolicy: "auto"}, false},
		{"versioning none", types.Policy{types.VersioningPolicy: "none"}, false},
		{"versioning bogus", types.Policy{types.VersioningPolicy: "maybe"}, true},
		{"project", types.Policy{types.ProjectPolicy: "proj-1"}, false},
		{"unknown key", types.Policy{"retention": "30d"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.policy)
			if tt.wantErr {
				if !errors.Is(err, faults.ErrBadRequest) {
					t.Errorf("Validate(%v) = %v, want BadRequest", tt.policy, err)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate(%v) error: %v", tt.policy, err)
			}
		})
	}
}

// TestStoreMergeReplace tests merge versus replace semantics
func TestStoreMergeReplace(t *testing.T) {
	db := newTestDB(t)
	s := New()

	err := db.Update(func(tx *bolt.Tx) error {
		if err := s.Set(tx, 7, types.Policy{
			types.QuotaPolicy:      "100",
			types.VersioningPolicy: "auto",
		}, false); err != nil {
			return err
		}

		// merge keeps untouched keys
		if err := s.Set(tx, 7, types.Policy{types.QuotaPolicy: "200"}, false); err != nil {
			return err
		}
		got, err := s.Get(tx, 7)
		if err != nil {
			return err
		}
		if got[types.QuotaPolicy] != "200" || got[types.VersioningPolicy] != "auto" {
			t.Errorf("merged policy = %v, want quota 200, versioning auto", got)
		}

		// replace drops them
		if err := s.Set(tx, 7, types.Policy{types.QuotaPolicy: "300"}, true); err != nil {
			return err
		}
		got, err = s.Get(tx, 7)
		if err != nil {
			return err
		}
		if got[types.QuotaPolicy] != "300" {
			t.Errorf("replaced quota = %q, want 300", got[types.QuotaPolicy])
		}
		if _, ok := got[types.VersioningPolicy]; ok {
			t.Error("replace kept the versioning key")
		}

		if err := s.Delete(tx, 7); err != nil {
			return err
		}
		got, err = s.Get(tx, 7)
		if err != nil {
			return err
		}
		if len(got) != 0 {
			t.Errorf("policy after delete = %v, want empty", got)
		}

		// invalid updates never persist
		if err := s.Set(tx, 7, types.Policy{"bogus": "x"}, false); err == nil {
			t.Error("Set(invalid) succeeded, want error")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

package findings

import (
	"context"
	"testing"

	"github.com/tonaudit/controlplane/internal/dbopen"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := dbopen.OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(Schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return New(db)
}

func TestRecordInstanceInsertsNewFindingThenUpsertsInstance(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c := Candidate{Title: "reentrancy", FilePath: "contracts/vault.tact", StartLine: 10, EndLine: 20, Severity: "high", PayloadJSON: "{}"}

	f1, err := s.RecordInstance(ctx, nil, "proj-1", "rev-1", "audit-1", c)
	if err != nil {
		t.Fatalf("record instance: %v", err)
	}
	if f1.CurrentStatus != StatusOpened {
		t.Fatalf("want opened, got %s", f1.CurrentStatus)
	}

	// Replaying the same audit run (retry/replay safety) must not create a
	// second Finding or a second FindingInstance row.
	f2, err := s.RecordInstance(ctx, nil, "proj-1", "rev-1", "audit-1", c)
	if err != nil {
		t.Fatalf("record instance again: %v", err)
	}
	if f1.ID != f2.ID {
		t.Fatalf("want stable finding id across replays, got %s != %s", f1.ID, f2.ID)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM finding_instances WHERE finding_id = ?`, f1.ID).Scan(&count); err != nil {
		t.Fatalf("count instances: %v", err)
	}
	if count != 1 {
		t.Fatalf("want exactly one instance row, got %d", count)
	}
}

func TestFingerprintIsStableForIdenticalInputsAndDiffersOnSeverity(t *testing.T) {
	a := Candidate{Title: "reentrancy", FilePath: "a.sol", StartLine: 1, EndLine: 2, Severity: "high"}
	b := a
	b.Severity = "critical"

	if Fingerprint(a) != Fingerprint(a) {
		t.Fatal("want deterministic fingerprint")
	}
	if Fingerprint(a) == Fingerprint(b) {
		t.Fatal("want fingerprint to change when severity changes")
	}
}

func TestComputeTransitionsMatchesLifecycleTable(t *testing.T) {
	// previous audit findings {A (medium, opened), B (high, opened)};
	// current {B (critical), C (low)}.
	previousIDs := []string{"A", "B"}
	currentIDs := []string{"B", "C"}
	previousStatuses := PriorStatus{"A": StatusOpened, "B": StatusOpened}

	got := ComputeTransitions(previousIDs, currentIDs, previousStatuses)

	byFinding := map[string]Transition{}
	for _, t := range got {
		byFinding[t.FindingID] = t.Kind
	}

	if byFinding["A"] != TransitionResolved {
		t.Errorf("want A resolved, got %s", byFinding["A"])
	}
	if byFinding["B"] != TransitionUnchanged {
		t.Errorf("want B unchanged, got %s", byFinding["B"])
	}
	if byFinding["C"] != TransitionOpened {
		t.Errorf("want C opened, got %s", byFinding["C"])
	}
}

func TestComputeTransitionsRegressedWhenReopenedAfterResolution(t *testing.T) {
	got := ComputeTransitions([]string{}, []string{"A"}, PriorStatus{"A": StatusResolved})
	if len(got) != 1 || got[0].Kind != TransitionRegressed {
		t.Fatalf("want A regressed, got %+v", got)
	}
}

func TestPersistTransitionsSkipsTransitionRowWithoutPriorAudit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c := Candidate{Title: "t", FilePath: "f.sol", StartLine: 1, EndLine: 1, Severity: "low", PayloadJSON: "{}"}
	f, err := s.RecordInstance(ctx, nil, "proj-1", "rev-1", "audit-1", c)
	if err != nil {
		t.Fatalf("record instance: %v", err)
	}

	transitions := ComputeTransitions(nil, []string{f.ID}, nil)
	if err := s.PersistTransitions(ctx, nil, "", "audit-1", transitions); err != nil {
		t.Fatalf("persist transitions: %v", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM finding_transitions`).Scan(&count); err != nil {
		t.Fatalf("count transitions: %v", err)
	}
	if count != 0 {
		t.Fatalf("want no transition rows for a first audit, got %d", count)
	}
}

package quota

import (
	"context"
	"errors"
	"testing"
)

func TestAdmitRequiresUser(t *testing.T) {
	tracker, _ := newTracker(t)
	adm := NewAdmission(tracker)

	if _, err := adm.Admit(context.Background(), "", PlanFree, 1); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if _, err := adm.Remaining(context.Background(), "", PlanFree); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestAdmitGrantsAndDenies(t *testing.T) {
	tracker, _ := newTracker(t)
	adm := NewAdmission(tracker)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		status, err := adm.Admit(ctx, "u1", PlanFree, 1)
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		if status.Remaining != int64(4-i) {
			t.Fatalf("admit %d: unexpected remaining %d", i, status.Remaining)
		}
	}

	_, err := adm.Admit(ctx, "u1", PlanFree, 1)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}

	status, err := adm.Remaining(ctx, "u1", PlanFree)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if status.Remaining != 0 {
		t.Fatalf("expected zero remaining, got %d", status.Remaining)
	}
}

func TestAdmitUnknownPlanFallsBackToFree(t *testing.T) {
	tracker, _ := newTracker(t)
	adm := NewAdmission(tracker)

	status, err := adm.Admit(context.Background(), "u1", Plan("enterprise"), 1)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if status.Remaining != 4 {
		t.Fatalf("expected free-tier budget for unknown plan, got %d", status.Remaining)
	}
}

func TestAdmitSurvivesStoreOutage(t *testing.T) {
	tracker, mr := newTracker(t)
	adm := NewAdmission(tracker)
	mr.Close()

	status, err := adm.Admit(context.Background(), "u1", PlanFree, 1)
	if err != nil {
		t.Fatalf("expected degraded admit to succeed, got %v", err)
	}
	if !status.Degraded {
		t.Fatalf("expected degraded status")
	}
}

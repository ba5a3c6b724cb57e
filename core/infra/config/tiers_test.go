package config

import (
	"testing"
	"time"
)

func TestParseTiersDefaults(t *testing.T) {
	cfg, err := ParseTiers(nil)
	if err != nil {
		t.Fatalf("parse empty tiers: %v", err)
	}
	if cfg.PointsFor("free") != 5 {
		t.Fatalf("unexpected free points: %d", cfg.PointsFor("free"))
	}
	if cfg.PointsFor("pro") != 100 {
		t.Fatalf("unexpected pro points: %d", cfg.PointsFor("pro"))
	}
	if cfg.Window() != 30*24*time.Hour {
		t.Fatalf("unexpected window: %s", cfg.Window())
	}
	if cfg.GenerationCost != 1 {
		t.Fatalf("unexpected generation cost: %d", cfg.GenerationCost)
	}
}

func TestParseTiersOverride(t *testing.T) {
	data := []byte(`
plans:
  free:
    points: 2
  pro:
    points: 500
window_seconds: 3600
generation_cost: 2
`)
	cfg, err := ParseTiers(data)
	if err != nil {
		t.Fatalf("parse tiers: %v", err)
	}
	if cfg.PointsFor("free") != 2 || cfg.PointsFor("pro") != 500 {
		t.Fatalf("unexpected plan points: free=%d pro=%d", cfg.PointsFor("free"), cfg.PointsFor("pro"))
	}
	if cfg.Window() != time.Hour {
		t.Fatalf("unexpected window: %s", cfg.Window())
	}
	if cfg.GenerationCost != 2 {
		t.Fatalf("unexpected cost: %d", cfg.GenerationCost)
	}
}

func TestParseTiersFillsMissingPlans(t *testing.T) {
	data := []byte("plans:\n  pro:\n    points: 250\n")
	cfg, err := ParseTiers(data)
	if err != nil {
		t.Fatalf("parse tiers: %v", err)
	}
	if cfg.PointsFor("free") != 5 {
		t.Fatalf("expected default free budget, got %d", cfg.PointsFor("free"))
	}
	if cfg.PointsFor("pro") != 250 {
		t.Fatalf("unexpected pro budget: %d", cfg.PointsFor("pro"))
	}
}

func TestPointsForUnknownPlanFallsBack(t *testing.T) {
	cfg, _ := ParseTiers(nil)
	if cfg.PointsFor("enterprise") != cfg.PointsFor("free") {
		t.Fatalf("unknown plan should fall back to the free tier")
	}
}

func TestParseTiersBadYAML(t *testing.T) {
	cfg, err := ParseTiers([]byte("plans: [not a map"))
	if err == nil {
		t.Fatalf("expected parse error")
	}
	if cfg == nil || cfg.PointsFor("free") != 5 {
		t.Fatalf("expected defaults on parse failure")
	}
}

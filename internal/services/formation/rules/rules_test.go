package rules

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/louisbranch/formation/internal/services/formation/domain/phase"
	"github.com/louisbranch/formation/internal/services/formation/domain/readiness"
)

func TestDefaultRulesAreValid(t *testing.T) {
	rules, err := Default()
	if err != nil {
		t.Fatalf("default rules: %v", err)
	}
	if rules.Catalog.Initial() != "foundations" || rules.Catalog.Complete() != "sent" {
		t.Fatalf("initial/complete = %q/%q", rules.Catalog.Initial(), rules.Catalog.Complete())
	}
	if got := len(rules.Catalog.Phases()); got != 4 {
		t.Fatalf("phases = %d, want 4", got)
	}
	cfg := rules.Readiness.Config()
	if cfg.SelfReportWeight >= cfg.Thresholds.Ready {
		t.Fatalf("self report weight %v must stay below ready %v", cfg.SelfReportWeight, cfg.Thresholds.Ready)
	}
}

func TestKnownSignal(t *testing.T) {
	rules, err := Default()
	if err != nil {
		t.Fatalf("default rules: %v", err)
	}
	if !rules.KnownSignal("serve") {
		t.Fatal("serve must be known")
	}
	if rules.KnownSignal("gossip") {
		t.Fatal("unweighted signal must be unknown when default_weight is 0")
	}
	if !(Rules{}).KnownSignal("anything") {
		t.Fatal("rules without readiness accept any signal")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, DefaultYAML(), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := Load(""); err != nil {
		t.Fatalf("load default: %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{name: "bad yaml", doc: "catalog: [", want: ErrInvalidRules},
		{name: "no phases", doc: "catalog: {phases: []}", want: phase.ErrInvalidCatalog},
		{
			name: "self report reaches ready",
			doc: `
catalog:
  phases:
    - id: a
    - id: b
readiness:
  window: {mode: count, size: 10}
  weights: {serve: 1}
  self_report_weight: 5
  min_supporting_signals: 1
  thresholds: {emerging: 1, ready: 2}
`,
			want: readiness.ErrInvalidConfig,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Inliner.Metric = "QPLinear"
	cfg.Inliner.Quantiles = []float64{0.5, 0.9}
	cfg.Inliner.Budget = 5000
	cfg.Profile.CallProfile = "prog.cp"

	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Inliner.Metric != "QPLinear" {
		t.Errorf("metric = %q, want QPLinear", loaded.Inliner.Metric)
	}
	if len(loaded.Inliner.Quantiles) != 2 || loaded.Inliner.Quantiles[1] != 0.9 {
		t.Errorf("quantiles = %v, want [0.5 0.9]", loaded.Inliner.Quantiles)
	}
	if loaded.Inliner.Budget != 5000 {
		t.Errorf("budget = %d, want 5000", loaded.Inliner.Budget)
	}
	if loaded.Profile.CallProfile != "prog.cp" {
		t.Errorf("call profile = %q, want prog.cp", loaded.Profile.CallProfile)
	}
	// 未写的字段落缺省
	if loaded.Inliner.LogBase != "FDIlog" {
		t.Errorf("log base = %q, want FDIlog", loaded.Inliner.LogBase)
	}
}

func TestLoadIfPresentMissing(t *testing.T) {
	cfg, err := LoadIfPresent(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("loadIfPresent: %v", err)
	}
	if cfg.Inliner.Metric != "mean" {
		t.Errorf("default metric = %q, want mean", cfg.Inliner.Metric)
	}
}

func TestLoadBadToml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("inliner = ["), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseQuantiles(t *testing.T) {
	qs, err := ParseQuantiles(" 50, 90 ,0.99")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []float64{50, 90, 0.99}
	if len(qs) != len(want) {
		t.Fatalf("len = %d, want %d", len(qs), len(want))
	}
	for i := range want {
		if qs[i] != want[i] {
			t.Errorf("q[%d] = %g, want %g", i, qs[i], want[i])
		}
	}
	if _, err := ParseQuantiles("a,b"); err == nil {
		t.Error("expected error for non-numeric quantiles")
	}
	if qs, err := ParseQuantiles("  "); err != nil || qs != nil {
		t.Error("blank list should parse to nil")
	}
}

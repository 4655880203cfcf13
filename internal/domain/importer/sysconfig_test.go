package importer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestRegistry_GetAndList(t *testing.T) {
	r, err := NewRegistry(HillConfig(), &SystemConfig{ID: "acme", Name: "Acme Health"})
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}

	cfg, err := r.Get("hill")
	if err != nil {
		t.Fatalf("Get(hill) error: %v", err)
	}
	if cfg.PatientColumns["Patient"] != FieldMemberName {
		t.Errorf("unexpected hill patient columns: %v", cfg.PatientColumns)
	}

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 systems, got %d", len(list))
	}
	if list[0].ID != "acme" || list[1].ID != "hill" {
		t.Errorf("expected systems sorted by id, got %+v", list)
	}
	if list[1].Measures != len(HillConfig().MeasureColumns) {
		t.Errorf("hill measure count = %d", list[1].Measures)
	}
}

func TestRegistry_UnknownSystem(t *testing.T) {
	_, err := DefaultRegistry().Get("missing")
	if !errors.Is(err, ErrUnknownSystem) {
		t.Fatalf("expected ErrUnknownSystem, got %v", err)
	}
}

func TestRegistry_RejectsInvalidConfig(t *testing.T) {
	r := DefaultRegistry()
	tests := []struct {
		name string
		cfg  *SystemConfig
	}{
		{"nil", nil},
		{"no id", &SystemConfig{Name: "x"}},
		{"bad patient field", &SystemConfig{ID: "x", PatientColumns: map[string]string{"Patient": "fullName"}}},
		{"bad measure", &SystemConfig{ID: "x", MeasureColumns: map[string]MeasureInfo{"AWV": {RequestType: "AWV"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadSystemConfigs(t *testing.T) {
	dir := t.TempDir()
	yamlDoc := `id: valley
name: Valley Medical
patient_columns:
  Member Name: memberName
  Birth Date: memberDob
measure_columns:
  AWV Status:
    request_type: AWV
    quality_measure: Annual Wellness Visit
skip_columns:
  - MRN
`
	jsonDoc := `{"id":"coast","name":"Coast Clinic","patient_columns":{"Patient":"memberName","DOB":"memberDob"}}`

	writeFile(t, filepath.Join(dir, "valley.yaml"), yamlDoc)
	writeFile(t, filepath.Join(dir, "coast.json"), jsonDoc)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	configs, err := LoadSystemConfigs(dir)
	if err != nil {
		t.Fatalf("LoadSystemConfigs() error: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("expected 2 configs, got %d", len(configs))
	}

	byID := make(map[string]*SystemConfig)
	for _, c := range configs {
		byID[c.ID] = c
	}
	valley := byID["valley"]
	if valley == nil {
		t.Fatal("valley config not loaded")
	}
	if valley.PatientColumns["Member Name"] != FieldMemberName {
		t.Errorf("header keys must keep their case, got %v", valley.PatientColumns)
	}
	if valley.MeasureColumns["AWV Status"].QualityMeasure != "Annual Wellness Visit" {
		t.Errorf("measure columns = %v", valley.MeasureColumns)
	}
	if byID["coast"] == nil || byID["coast"].Name != "Coast Clinic" {
		t.Errorf("coast config = %+v", byID["coast"])
	}
}

func TestLoadSystemConfigs_Invalid(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bad.yaml"), "name: no id here\n")

	if _, err := LoadSystemConfigs(dir); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadSystemConfigs_MissingDir(t *testing.T) {
	if _, err := LoadSystemConfigs(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

package importer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Patient field names a header can map to.
const (
	FieldMemberName      = "memberName"
	FieldMemberDob       = "memberDob"
	FieldMemberTelephone = "memberTelephone"
	FieldMemberAddress   = "memberAddress"
)

var validPatientFields = map[string]bool{
	FieldMemberName:      true,
	FieldMemberDob:       true,
	FieldMemberTelephone: true,
	FieldMemberAddress:   true,
}

// ErrUnknownSystem is returned when no configuration exists for a system ID.
var ErrUnknownSystem = errors.New("unknown healthcare system")

// MeasureInfo identifies the quality measure slot a column feeds.
type MeasureInfo struct {
	RequestType    string `json:"request_type" yaml:"request_type"`
	QualityMeasure string `json:"quality_measure" yaml:"quality_measure"`
}

// SystemConfig describes how one healthcare system's export is laid out.
// Header keys are matched verbatim (after trimming the uploaded header).
type SystemConfig struct {
	ID             string                 `json:"id" yaml:"id"`
	Name           string                 `json:"name" yaml:"name"`
	PatientColumns map[string]string      `json:"patient_columns" yaml:"patient_columns"`
	MeasureColumns map[string]MeasureInfo `json:"measure_columns" yaml:"measure_columns"`
	SkipColumns    []string               `json:"skip_columns" yaml:"skip_columns"`

	skipOnce sync.Once
	skip     map[string]bool
}

// SystemSummary is the listing form of a SystemConfig.
type SystemSummary struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	PatientFields int    `json:"patient_columns"`
	Measures      int    `json:"measure_columns"`
}

// Validate checks the configuration is usable by the mapper.
func (c *SystemConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("system config: id is required")
	}
	for header, field := range c.PatientColumns {
		if !validPatientFields[field] {
			return fmt.Errorf("system %s: header %q maps to unknown patient field %q", c.ID, header, field)
		}
	}
	for header, info := range c.MeasureColumns {
		if info.RequestType == "" || info.QualityMeasure == "" {
			return fmt.Errorf("system %s: measure header %q needs request_type and quality_measure", c.ID, header)
		}
	}
	return nil
}

func (c *SystemConfig) isSkipped(header string) bool {
	c.skipOnce.Do(func() {
		c.skip = make(map[string]bool, len(c.SkipColumns))
		for _, h := range c.SkipColumns {
			c.skip[h] = true
		}
	})
	return c.skip[header]
}

// Registry resolves system configurations by ID. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	systems map[string]*SystemConfig
}

// NewRegistry returns a registry holding the given configurations.
func NewRegistry(configs ...*SystemConfig) (*Registry, error) {
	r := &Registry{systems: make(map[string]*SystemConfig)}
	for _, cfg := range configs {
		if err := r.Register(cfg); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry returns a registry with the built-in configurations.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(HillConfig())
	if err != nil {
		panic(err)
	}
	return r
}

// Register adds or replaces a configuration.
func (r *Registry) Register(cfg *SystemConfig) error {
	if cfg == nil {
		return fmt.Errorf("system config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.systems[cfg.ID] = cfg
	return nil
}

// Get returns the configuration for systemID or ErrUnknownSystem.
func (r *Registry) Get(systemID string) (*SystemConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.systems[systemID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSystem, systemID)
	}
	return cfg, nil
}

// List returns summaries of all registered systems ordered by ID.
func (r *Registry) List() []SystemSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SystemSummary, 0, len(r.systems))
	for _, cfg := range r.systems {
		out = append(out, SystemSummary{
			ID:            cfg.ID,
			Name:          cfg.Name,
			PatientFields: len(cfg.PatientColumns),
			Measures:      len(cfg.MeasureColumns),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadSystemConfigs reads every .json, .yaml and .yml file in dir. Keys are
// kept verbatim; header matching is case-sensitive.
func LoadSystemConfigs(dir string) ([]*SystemConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read systems directory %s: %w", dir, err)
	}

	var configs []*SystemConfig
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".json", ".yaml", ".yml":
		default:
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read system config %s: %w", path, err)
		}
		var cfg SystemConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse system config %s: %w", path, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		configs = append(configs, &cfg)
	}
	return configs, nil
}

// HillConfig is the built-in configuration for the Hill healthcare system export.
func HillConfig() *SystemConfig {
	return &SystemConfig{
		ID:   "hill",
		Name: "Hill Physicians",
		PatientColumns: map[string]string{
			"Patient": FieldMemberName,
			"DOB":     FieldMemberDob,
			"Phone":   FieldMemberTelephone,
			"Address": FieldMemberAddress,
		},
		MeasureColumns: map[string]MeasureInfo{
			"Annual Wellness Visit":           {RequestType: "AWV", QualityMeasure: "Annual Wellness Visit"},
			"Breast Cancer Screening":         {RequestType: "Screening", QualityMeasure: "Breast Cancer Screening"},
			"Colorectal Cancer Screening":     {RequestType: "Screening", QualityMeasure: "Colon Cancer Screening"},
			"Cervical Cancer Screening":       {RequestType: "Screening", QualityMeasure: "Cervical Cancer Screening"},
			"Depression Screening":            {RequestType: "Screening", QualityMeasure: "Depression Screening"},
			"Diabetic Eye Exam":               {RequestType: "Quality", QualityMeasure: "Diabetic Eye Exam"},
			"Diabetes HbA1c Control":          {RequestType: "Quality", QualityMeasure: "Diabetes Control"},
			"Kidney Health Evaluation":        {RequestType: "Quality", QualityMeasure: "Diabetic Nephropathy"},
			"Controlling Blood Pressure":      {RequestType: "Quality", QualityMeasure: "Hypertension Management"},
			"BP Control":                      {RequestType: "Quality", QualityMeasure: "Hypertension Management"},
			"Statin Therapy for CVD":          {RequestType: "Quality", QualityMeasure: "Statin Therapy for Cardiovascular Disease"},
			"Chronic Condition Documentation": {RequestType: "Chronic DX", QualityMeasure: "Chronic Diagnosis Code"},
		},
		SkipColumns: []string{
			"Age",
			"Sex",
			"MembID",
			"LOB",
			"PCP",
			"Group",
			"Last Visit",
		},
	}
}

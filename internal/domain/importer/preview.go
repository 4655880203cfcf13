package importer

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultPreviewTTL is how long a staged preview can be executed.
const DefaultPreviewTTL = 30 * time.Minute

const previewCleanupInterval = time.Minute

var (
	ErrPreviewNotFound = errors.New("import preview not found")
	ErrPreviewExpired  = errors.New("import preview expired")
)

// Preview is a staged import: the diff a user reviews before executing it.
type Preview struct {
	ID         uuid.UUID        `json:"id"`
	SystemID   string           `json:"system_id"`
	Mode       ImportMode       `json:"mode"`
	OwnerID    *uuid.UUID       `json:"owner_id,omitempty"`
	FileName   string           `json:"file_name"`
	ArchiveKey string           `json:"archive_key,omitempty"`
	Mapping    *MappingResult   `json:"mapping"`
	Validation ValidationReport `json:"validation"`
	Diff       *DiffResult      `json:"diff"`
	FileNotes  []string         `json:"file_warnings,omitempty"`
	CreatedBy  string           `json:"created_by,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
}

// ValidationReport is the row-level outcome of a transformation, without
// the transformed rows themselves.
type ValidationReport struct {
	RowCount               int               `json:"row_count"`
	MeasureCount           int               `json:"measure_count"`
	PatientCount           int               `json:"patient_count"`
	Errors                 []ValidationIssue `json:"errors"`
	Warnings               []ValidationIssue `json:"warnings"`
	PatientsWithNoMeasures []PatientRef      `json:"patients_with_no_measures"`
}

// Report summarises r for a file of rowCount data rows.
func (r *TransformResult) Report(rowCount int) ValidationReport {
	return ValidationReport{
		RowCount:               rowCount,
		MeasureCount:           len(r.Rows),
		PatientCount:           r.PatientCount,
		Errors:                 r.Errors,
		Warnings:               r.Warnings,
		PatientsWithNoMeasures: r.PatientsWithNoMeasures,
	}
}

// PreviewStore stages previews between the preview and execute steps.
// Implementations must be safe for concurrent use.
type PreviewStore interface {
	Save(p *Preview) error
	Get(id uuid.UUID) (*Preview, error)
	// Take returns the preview and removes it, so it executes at most once.
	Take(id uuid.UUID) (*Preview, error)
	Delete(id uuid.UUID) error
}

// InMemoryPreviewStore keeps previews in memory and evicts them in the
// background once they expire.
type InMemoryPreviewStore struct {
	mu       sync.Mutex
	entries  map[uuid.UUID]*Preview
	ttl      time.Duration
	nowFunc  func() time.Time
	onExpire func(*Preview)
	stop     chan struct{}
	stopOnce sync.Once
}

// NewInMemoryPreviewStore creates a store with the given TTL. A zero or
// negative ttl uses DefaultPreviewTTL.
func NewInMemoryPreviewStore(ttl time.Duration) *InMemoryPreviewStore {
	if ttl <= 0 {
		ttl = DefaultPreviewTTL
	}
	s := &InMemoryPreviewStore{
		entries: make(map[uuid.UUID]*Preview),
		ttl:     ttl,
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// TTL is the lifetime given to saved previews.
func (s *InMemoryPreviewStore) TTL() time.Duration {
	return s.ttl
}

// OnExpire registers fn to run for each preview evicted by expiry.
func (s *InMemoryPreviewStore) OnExpire(fn func(*Preview)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExpire = fn
}

func (s *InMemoryPreviewStore) cleanupLoop() {
	ticker := time.NewTicker(previewCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.stop:
			return
		}
	}
}

// Stop terminates the background cleanup goroutine.
func (s *InMemoryPreviewStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *InMemoryPreviewStore) evictExpired() {
	s.mu.Lock()
	now := s.nowFunc()
	var expired []*Preview
	for id, p := range s.entries {
		if now.After(p.ExpiresAt) {
			delete(s.entries, id)
			expired = append(expired, p)
		}
	}
	onExpire := s.onExpire
	s.mu.Unlock()

	if onExpire != nil {
		for _, p := range expired {
			onExpire(p)
		}
	}
}

// Save stores p, filling CreatedAt and ExpiresAt when zero.
func (s *InMemoryPreviewStore) Save(p *Preview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.nowFunc()
	}
	if p.ExpiresAt.IsZero() {
		p.ExpiresAt = p.CreatedAt.Add(s.ttl)
	}
	s.entries[p.ID] = p
	return nil
}

func (s *InMemoryPreviewStore) lookup(id uuid.UUID) (*Preview, error) {
	p, ok := s.entries[id]
	if !ok {
		return nil, ErrPreviewNotFound
	}
	if s.nowFunc().After(p.ExpiresAt) {
		return nil, ErrPreviewExpired
	}
	return p, nil
}

func (s *InMemoryPreviewStore) Get(id uuid.UUID) (*Preview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(id)
}

func (s *InMemoryPreviewStore) Take(id uuid.UUID) (*Preview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	delete(s.entries, id)
	return p, nil
}

func (s *InMemoryPreviewStore) Delete(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return ErrPreviewNotFound
	}
	delete(s.entries, id)
	return nil
}

// Len reports the number of staged previews, expired ones included.
func (s *InMemoryPreviewStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

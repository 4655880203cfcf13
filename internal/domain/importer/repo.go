package importer

import (
	"context"

	"github.com/google/uuid"
)

// Scope narrows the existing records an import is reconciled against.
// A nil OwnerID means every record.
type Scope struct {
	OwnerID *uuid.UUID
}

// RecordRepository reads the existing-records snapshot and writes changes.
type RecordRepository interface {
	// ListExisting returns records in scope, oldest first.
	ListExisting(ctx context.Context, scope Scope) ([]ExistingRecord, error)
	ChangeWriter
}

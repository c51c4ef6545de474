package store

import (
	"context"
	"fmt"
)

// Gateway is the persistence capability set for case material. The local
// SQLite store is the authoritative implementation; the replica mirror
// implements the same interface for the non-binary subset.
type Gateway interface {
	// SaveReport appends a new report. A zero Timestamp is replaced with a
	// generated one. Writes with an empty CaseID are silently skipped.
	SaveReport(ctx context.Context, r *Report) error

	// GetReports returns all reports for the case ordered ascending by
	// timestamp, regardless of insertion order.
	GetReports(ctx context.Context, caseID string) ([]Report, error)

	// SaveEvidence appends a new evidence file. Only the local store
	// persists the binary payload.
	SaveEvidence(ctx context.Context, e *EvidenceFile) error

	// GetEvidence returns all evidence records for the case, order
	// unspecified.
	GetEvidence(ctx context.Context, caseID string) ([]EvidenceFile, error)

	// SaveCaseMetadata upserts the case aggregate, merged by CaseID.
	SaveCaseMetadata(ctx context.Context, m *CaseMetadata) error

	// GetCaseMetadata returns the case aggregate, or (nil, nil) when none
	// exists.
	GetCaseMetadata(ctx context.Context, caseID string) (*CaseMetadata, error)

	// GetAllCases derives the distinct set of case identifiers observed
	// across stored reports.
	GetAllCases(ctx context.Context) ([]string, error)
}

// StorageError is a local persistence failure. It is fatal to the calling
// operation and must be surfaced, never swallowed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ReplicationError is a best-effort secondary write failure. It is logged
// and dropped, never propagated to the caller and never retried.
type ReplicationError struct {
	Op  string
	Err error
}

func (e *ReplicationError) Error() string {
	return fmt.Sprintf("replication: %s: %v", e.Op, e.Err)
}

func (e *ReplicationError) Unwrap() error { return e.Err }

// Package store defines the persistence gateway for case evidence and the
// authoritative SQLite implementation.
package store

import (
	"time"

	"evidenced/internal/narrative"
)

// Report is one analysis document attached to a case. Reports are
// append-only: no update or delete exists.
type Report struct {
	ID             int64
	CaseID         string
	Content        string
	EvidenceRefs   []string
	ReportHash     string
	NarrativeIndex []narrative.Entry
	Timestamp      time.Time
}

// EvidenceFile is one ingested source document or media item. The binary
// payload is owned solely by the local store and never replicated.
type EvidenceFile struct {
	ID        int64
	CaseID    string
	FileName  string
	FileType  string
	FileSize  int64
	FileHash  string
	Payload   []byte
	Metadata  map[string]string
	Timestamp time.Time
}

// CaseMetadata is the derived case aggregate, recomputed in full by the
// storage manager on every report save.
type CaseMetadata struct {
	CaseID         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ReportCount    int
	EvidenceCount  int
	NarrativeIndex []narrative.Entry
	Tags           []string
}

package storage

import (
	"context"
	"fmt"
	"time"

	"evidenced/internal/store"
)

// Export is the full-state backup document: every known case with its
// reports, evidence descriptors, and aggregate. Binary evidence content
// never appears in an export.
type Export struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Cases       []CaseExport `json:"cases"`
}

// CaseExport is one case's exportable state.
type CaseExport struct {
	CaseID   string              `json:"case_id"`
	Metadata *store.CaseMetadata `json:"metadata,omitempty"`
	Reports  []store.Report      `json:"reports"`
	Evidence []EvidenceExport    `json:"evidence"`
}

// EvidenceExport mirrors an evidence record with the payload replaced by a
// size-derived placeholder.
type EvidenceExport struct {
	FileName  string            `json:"file_name"`
	FileType  string            `json:"file_type"`
	FileSize  int64             `json:"file_size"`
	FileHash  string            `json:"file_hash"`
	Payload   string            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// PayloadPlaceholder is the export stand-in for binary evidence content.
func PayloadPlaceholder(size int64) string {
	return fmt.Sprintf("<binary payload omitted, %d bytes>", size)
}

// ExportAllData assembles the exportable document for every known case.
func (m *Manager) ExportAllData(ctx context.Context) (*Export, error) {
	caseIDs, err := m.local.GetAllCases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}

	export := &Export{
		GeneratedAt: m.now(),
		Cases:       make([]CaseExport, 0, len(caseIDs)),
	}

	for _, caseID := range caseIDs {
		reports, err := m.local.GetReports(ctx, caseID)
		if err != nil {
			return nil, fmt.Errorf("export reports for %s: %w", caseID, err)
		}
		evidence, err := m.local.GetEvidence(ctx, caseID)
		if err != nil {
			return nil, fmt.Errorf("export evidence for %s: %w", caseID, err)
		}
		meta, err := m.local.GetCaseMetadata(ctx, caseID)
		if err != nil {
			return nil, fmt.Errorf("export metadata for %s: %w", caseID, err)
		}

		ce := CaseExport{
			CaseID:   caseID,
			Metadata: meta,
			Reports:  reports,
			Evidence: make([]EvidenceExport, 0, len(evidence)),
		}
		for _, e := range evidence {
			ce.Evidence = append(ce.Evidence, EvidenceExport{
				FileName:  e.FileName,
				FileType:  e.FileType,
				FileSize:  e.FileSize,
				FileHash:  e.FileHash,
				Payload:   PayloadPlaceholder(e.FileSize),
				Metadata:  e.Metadata,
				Timestamp: e.Timestamp,
			})
		}
		export.Cases = append(export.Cases, ce)
	}

	return export, nil
}

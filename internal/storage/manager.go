// Package storage composes the authoritative local store with the optional
// best-effort replica behind a single facade.
//
// The manager is the only component the rest of the application calls for
// persistence. It owns the case aggregate: after every report save it
// re-reads all reports for that case and recomputes counts and the merged
// narrative index in full. Writes to the same case are serialized by a
// per-case lock; writes to different cases are independent.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"evidenced/internal/logging"
	"evidenced/internal/narrative"
	"evidenced/internal/seal"
	"evidenced/internal/store"
)

// Manager is the persistence facade for case material.
type Manager struct {
	local   store.Gateway
	replica store.Gateway // nil when no replica is configured
	extract narrative.Extractor
	log     *logging.Logger

	// now is the clock used for generated timestamps; injectable for tests.
	now func() time.Time

	// replicaTimeout bounds each fire-and-forget replication attempt.
	replicaTimeout time.Duration

	locks sync.Map // case id -> *sync.Mutex
	repWG sync.WaitGroup
}

// NewManager creates a storage manager. replica may be nil; extractor and
// log fall back to the defaults when nil.
func NewManager(local store.Gateway, replica store.Gateway, extractor narrative.Extractor, log *logging.Logger) *Manager {
	if extractor == nil {
		extractor = narrative.NewRegexExtractor()
	}
	if log == nil {
		log = logging.Default()
	}
	return &Manager{
		local:          local,
		replica:        replica,
		extract:        extractor,
		log:            log,
		now:            time.Now,
		replicaTimeout: 2 * time.Second,
	}
}

// SaveReport appends a report to the case, then recomputes the case
// aggregate from all stored reports and mirrors both to the replica.
//
// The report hash and narrative index are computed here, once, before the
// authoritative write. An empty case id is a silent no-op.
func (m *Manager) SaveReport(ctx context.Context, caseID, content string, evidenceRefs []string) (*store.Report, error) {
	if caseID == "" {
		m.log.Debug("skipping report save with empty case id")
		return nil, nil
	}

	lock := m.caseLock(caseID)
	lock.Lock()
	defer lock.Unlock()

	r := &store.Report{
		CaseID:         caseID,
		Content:        content,
		EvidenceRefs:   evidenceRefs,
		ReportHash:     seal.Digest([]byte(content)),
		NarrativeIndex: m.extract.Extract(content),
		Timestamp:      m.now(),
	}

	if err := m.local.SaveReport(ctx, r); err != nil {
		m.log.Error("report save failed", "case_id", caseID, "error", err)
		return nil, fmt.Errorf("save report: %w", err)
	}

	meta, err := m.recomputeAggregate(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("recompute case aggregate: %w", err)
	}

	reportCopy := *r
	metaCopy := *meta
	m.replicate("save report", caseID, func(ctx context.Context) error {
		if err := m.replica.SaveReport(ctx, &reportCopy); err != nil {
			return err
		}
		return m.replica.SaveCaseMetadata(ctx, &metaCopy)
	})

	return r, nil
}

// SaveEvidence seals and appends an evidence file. The binary payload is
// persisted locally only; the replica receives a descriptor with no payload.
// Returns the stored record, whose FileHash is the chain-of-custody anchor.
func (m *Manager) SaveEvidence(ctx context.Context, caseID, fileName, fileType string, payload []byte, metadata map[string]string) (*store.EvidenceFile, error) {
	if caseID == "" {
		m.log.Debug("skipping evidence save with empty case id")
		return nil, nil
	}

	lock := m.caseLock(caseID)
	lock.Lock()
	defer lock.Unlock()

	e := &store.EvidenceFile{
		CaseID:    caseID,
		FileName:  fileName,
		FileType:  fileType,
		FileSize:  int64(len(payload)),
		FileHash:  seal.Digest(payload),
		Payload:   payload,
		Metadata:  metadata,
		Timestamp: m.now(),
	}

	if err := m.local.SaveEvidence(ctx, e); err != nil {
		m.log.Error("evidence save failed", "case_id", caseID, "file", fileName, "error", err)
		return nil, fmt.Errorf("save evidence: %w", err)
	}

	descriptor := *e
	descriptor.Payload = nil
	m.replicate("save evidence", caseID, func(ctx context.Context) error {
		return m.replica.SaveEvidence(ctx, &descriptor)
	})

	return e, nil
}

// SetCaseTags replaces the free-form tags on a case aggregate.
func (m *Manager) SetCaseTags(ctx context.Context, caseID string, tags []string) error {
	if caseID == "" {
		return nil
	}

	lock := m.caseLock(caseID)
	lock.Lock()
	defer lock.Unlock()

	meta, err := m.local.GetCaseMetadata(ctx, caseID)
	if err != nil {
		return fmt.Errorf("load case metadata: %w", err)
	}
	if meta == nil {
		meta = &store.CaseMetadata{CaseID: caseID, CreatedAt: m.now()}
	}
	meta.Tags = tags
	meta.UpdatedAt = m.now()

	if err := m.local.SaveCaseMetadata(ctx, meta); err != nil {
		return fmt.Errorf("save case metadata: %w", err)
	}

	metaCopy := *meta
	m.replicate("set case tags", caseID, func(ctx context.Context) error {
		return m.replica.SaveCaseMetadata(ctx, &metaCopy)
	})
	return nil
}

// GetReports returns the case's reports, ascending by timestamp.
func (m *Manager) GetReports(ctx context.Context, caseID string) ([]store.Report, error) {
	return m.local.GetReports(ctx, caseID)
}

// GetEvidence returns the case's evidence records.
func (m *Manager) GetEvidence(ctx context.Context, caseID string) ([]store.EvidenceFile, error) {
	return m.local.GetEvidence(ctx, caseID)
}

// GetCaseMetadata returns the case aggregate, or (nil, nil) when absent.
func (m *Manager) GetCaseMetadata(ctx context.Context, caseID string) (*store.CaseMetadata, error) {
	return m.local.GetCaseMetadata(ctx, caseID)
}

// GetAllCases returns the distinct case identifiers known to the local store.
func (m *Manager) GetAllCases(ctx context.Context) ([]string, error) {
	return m.local.GetAllCases(ctx)
}

// recomputeAggregate rebuilds the case aggregate from scratch: counts from
// the actually persisted records, narrative index merged over every stored
// report's own index. Cost grows with case size per write; that is the
// accepted materialized-view semantics, not an oversight.
func (m *Manager) recomputeAggregate(ctx context.Context, caseID string) (*store.CaseMetadata, error) {
	reports, err := m.local.GetReports(ctx, caseID)
	if err != nil {
		return nil, err
	}
	evidence, err := m.local.GetEvidence(ctx, caseID)
	if err != nil {
		return nil, err
	}

	indexes := make([][]narrative.Entry, 0, len(reports))
	for _, r := range reports {
		indexes = append(indexes, r.NarrativeIndex)
	}

	existing, err := m.local.GetCaseMetadata(ctx, caseID)
	if err != nil {
		return nil, err
	}

	meta := &store.CaseMetadata{
		CaseID:         caseID,
		CreatedAt:      m.now(),
		UpdatedAt:      m.now(),
		ReportCount:    len(reports),
		EvidenceCount:  len(evidence),
		NarrativeIndex: narrative.Merge(indexes...),
	}
	if existing != nil {
		meta.CreatedAt = existing.CreatedAt
		meta.Tags = existing.Tags
	}

	if err := m.local.SaveCaseMetadata(ctx, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// replicate runs fn against the replica without blocking the local write
// path. Failures are logged at WARN and dropped; nothing is retried.
func (m *Manager) replicate(op, caseID string, fn func(context.Context) error) {
	if m.replica == nil {
		return
	}
	m.repWG.Add(1)
	go func() {
		defer m.repWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.replicaTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			m.log.Warn("replication dropped", "op", op, "case_id", caseID, "error", err)
		}
	}()
}

// WaitForReplication blocks until all in-flight replication attempts have
// finished. Intended for shutdown and tests.
func (m *Manager) WaitForReplication() {
	m.repWG.Wait()
}

func (m *Manager) caseLock(caseID string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(caseID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Package replica mirrors non-binary case material to a remote Redis
// document service for cross-device continuity.
//
// The mirror is best-effort and never authoritative: binary evidence
// payloads are never transmitted, every operation is bounded by a timeout,
// and failures are reported as ReplicationError for the caller to log and
// drop.
package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"evidenced/internal/narrative"
	"evidenced/internal/store"
)

const keyPrefix = "evidenced"

// Config holds connection settings for the replica service.
type Config struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// Sync is the best-effort replica implementation of store.Gateway.
type Sync struct {
	rdb     *redis.Client
	timeout time.Duration
}

var _ store.Gateway = (*Sync)(nil)

// New creates a replica mirror against the given Redis service.
func New(cfg Config) *Sync {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Sync{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		timeout: timeout,
	}
}

// Close releases the underlying connection pool.
func (s *Sync) Close() error {
	return s.rdb.Close()
}

// Ping verifies the replica service is reachable.
func (s *Sync) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return &store.ReplicationError{Op: "ping", Err: err}
	}
	return nil
}

// SaveReport mirrors a report record to the case's report list.
func (s *Sync) SaveReport(ctx context.Context, r *store.Report) error {
	if r.CaseID == "" {
		return nil
	}
	doc, err := json.Marshal(reportDoc(r))
	if err != nil {
		return &store.ReplicationError{Op: "marshal report", Err: err}
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, reportsKey(r.CaseID), doc)
	pipe.SAdd(ctx, casesKey(), r.CaseID)
	if _, err := pipe.Exec(ctx); err != nil {
		return &store.ReplicationError{Op: "push report", Err: err}
	}
	return nil
}

// GetReports reads back mirrored reports in insertion order.
func (s *Sync) GetReports(ctx context.Context, caseID string) ([]store.Report, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	raw, err := s.rdb.LRange(ctx, reportsKey(caseID), 0, -1).Result()
	if err != nil {
		return nil, &store.ReplicationError{Op: "read reports", Err: err}
	}

	reports := make([]store.Report, 0, len(raw))
	for _, item := range raw {
		var d reportDocument
		if err := json.Unmarshal([]byte(item), &d); err != nil {
			return nil, &store.ReplicationError{Op: "unmarshal report", Err: err}
		}
		reports = append(reports, d.toReport())
	}
	return reports, nil
}

// SaveEvidence mirrors an evidence descriptor. The binary payload is
// deliberately never written to the replica.
func (s *Sync) SaveEvidence(ctx context.Context, e *store.EvidenceFile) error {
	if e.CaseID == "" {
		return nil
	}
	doc, err := json.Marshal(evidenceDoc(e))
	if err != nil {
		return &store.ReplicationError{Op: "marshal evidence", Err: err}
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, evidenceKey(e.CaseID), doc)
	pipe.SAdd(ctx, casesKey(), e.CaseID)
	if _, err := pipe.Exec(ctx); err != nil {
		return &store.ReplicationError{Op: "push evidence", Err: err}
	}
	return nil
}

// GetEvidence reads back mirrored evidence descriptors. Payloads are always
// nil on the replica path.
func (s *Sync) GetEvidence(ctx context.Context, caseID string) ([]store.EvidenceFile, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	raw, err := s.rdb.LRange(ctx, evidenceKey(caseID), 0, -1).Result()
	if err != nil {
		return nil, &store.ReplicationError{Op: "read evidence", Err: err}
	}

	files := make([]store.EvidenceFile, 0, len(raw))
	for _, item := range raw {
		var d evidenceDocument
		if err := json.Unmarshal([]byte(item), &d); err != nil {
			return nil, &store.ReplicationError{Op: "unmarshal evidence", Err: err}
		}
		files = append(files, d.toEvidence())
	}
	return files, nil
}

// SaveCaseMetadata mirrors the case aggregate document.
func (s *Sync) SaveCaseMetadata(ctx context.Context, m *store.CaseMetadata) error {
	if m.CaseID == "" {
		return nil
	}
	doc, err := json.Marshal(caseDoc(m))
	if err != nil {
		return &store.ReplicationError{Op: "marshal case metadata", Err: err}
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, caseMetaKey(m.CaseID), doc, 0)
	pipe.SAdd(ctx, casesKey(), m.CaseID)
	if _, err := pipe.Exec(ctx); err != nil {
		return &store.ReplicationError{Op: "set case metadata", Err: err}
	}
	return nil
}

// GetCaseMetadata reads back the mirrored case aggregate, or (nil, nil)
// when absent.
func (s *Sync) GetCaseMetadata(ctx context.Context, caseID string) (*store.CaseMetadata, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	raw, err := s.rdb.Get(ctx, caseMetaKey(caseID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, &store.ReplicationError{Op: "read case metadata", Err: err}
	}

	var d caseDocument
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, &store.ReplicationError{Op: "unmarshal case metadata", Err: err}
	}
	m := d.toCase()
	return &m, nil
}

// GetAllCases reads the mirrored case identifier set.
func (s *Sync) GetAllCases(ctx context.Context) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	ids, err := s.rdb.SMembers(ctx, casesKey()).Result()
	if err != nil {
		return nil, &store.ReplicationError{Op: "read case ids", Err: err}
	}
	return ids, nil
}

func (s *Sync) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Key layout. One list per case for reports and evidence descriptors, one
// string document per case aggregate, and one set of all case identifiers.

func casesKey() string                { return keyPrefix + ":cases" }
func reportsKey(caseID string) string { return fmt.Sprintf("%s:case:%s:reports", keyPrefix, caseID) }
func evidenceKey(caseID string) string {
	return fmt.Sprintf("%s:case:%s:evidence", keyPrefix, caseID)
}
func caseMetaKey(caseID string) string { return fmt.Sprintf("%s:case:%s:meta", keyPrefix, caseID) }

// Wire documents. Evidence documents carry descriptive fields only; there is
// no payload field at all, so raw evidence bytes cannot leak off-device.

type reportDocument struct {
	CaseID         string            `json:"case_id"`
	Content        string            `json:"content"`
	EvidenceRefs   []string          `json:"evidence_refs"`
	ReportHash     string            `json:"report_hash"`
	NarrativeIndex []narrative.Entry `json:"narrative_index"`
	TimestampNs    int64             `json:"timestamp_ns"`
}

func reportDoc(r *store.Report) reportDocument {
	return reportDocument{
		CaseID:         r.CaseID,
		Content:        r.Content,
		EvidenceRefs:   r.EvidenceRefs,
		ReportHash:     r.ReportHash,
		NarrativeIndex: r.NarrativeIndex,
		TimestampNs:    r.Timestamp.UnixNano(),
	}
}

func (d reportDocument) toReport() store.Report {
	return store.Report{
		CaseID:         d.CaseID,
		Content:        d.Content,
		EvidenceRefs:   d.EvidenceRefs,
		ReportHash:     d.ReportHash,
		NarrativeIndex: d.NarrativeIndex,
		Timestamp:      time.Unix(0, d.TimestampNs),
	}
}

type evidenceDocument struct {
	CaseID      string            `json:"case_id"`
	FileName    string            `json:"file_name"`
	FileType    string            `json:"file_type"`
	FileSize    int64             `json:"file_size"`
	FileHash    string            `json:"file_hash"`
	Metadata    map[string]string `json:"metadata"`
	TimestampNs int64             `json:"timestamp_ns"`
}

func evidenceDoc(e *store.EvidenceFile) evidenceDocument {
	return evidenceDocument{
		CaseID:      e.CaseID,
		FileName:    e.FileName,
		FileType:    e.FileType,
		FileSize:    e.FileSize,
		FileHash:    e.FileHash,
		Metadata:    e.Metadata,
		TimestampNs: e.Timestamp.UnixNano(),
	}
}

func (d evidenceDocument) toEvidence() store.EvidenceFile {
	return store.EvidenceFile{
		CaseID:    d.CaseID,
		FileName:  d.FileName,
		FileType:  d.FileType,
		FileSize:  d.FileSize,
		FileHash:  d.FileHash,
		Metadata:  d.Metadata,
		Timestamp: time.Unix(0, d.TimestampNs),
	}
}

type caseDocument struct {
	CaseID         string            `json:"case_id"`
	CreatedAtNs    int64             `json:"created_at_ns"`
	UpdatedAtNs    int64             `json:"updated_at_ns"`
	ReportCount    int               `json:"report_count"`
	EvidenceCount  int               `json:"evidence_count"`
	NarrativeIndex []narrative.Entry `json:"narrative_index"`
	Tags           []string          `json:"tags"`
}

func caseDoc(m *store.CaseMetadata) caseDocument {
	return caseDocument{
		CaseID:         m.CaseID,
		CreatedAtNs:    m.CreatedAt.UnixNano(),
		UpdatedAtNs:    m.UpdatedAt.UnixNano(),
		ReportCount:    m.ReportCount,
		EvidenceCount:  m.EvidenceCount,
		NarrativeIndex: m.NarrativeIndex,
		Tags:           m.Tags,
	}
}

func (d caseDocument) toCase() store.CaseMetadata {
	return store.CaseMetadata{
		CaseID:         d.CaseID,
		CreatedAt:      time.Unix(0, d.CreatedAtNs),
		UpdatedAt:      time.Unix(0, d.UpdatedAtNs),
		ReportCount:    d.ReportCount,
		EvidenceCount:  d.EvidenceCount,
		NarrativeIndex: d.NarrativeIndex,
		Tags:           d.Tags,
	}
}

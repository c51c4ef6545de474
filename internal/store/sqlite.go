package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/hkdf"
)

// Schema for the evidenced case store.
const schema = `
CREATE TABLE IF NOT EXISTS reports (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    case_id         TEXT NOT NULL,
    content         TEXT NOT NULL,
    evidence_refs   TEXT NOT NULL,
    report_hash     TEXT NOT NULL,
    narrative_index TEXT NOT NULL,
    timestamp_ns    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reports_case ON reports(case_id, timestamp_ns);

CREATE TABLE IF NOT EXISTS evidence (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    case_id         TEXT NOT NULL,
    file_name       TEXT NOT NULL,
    file_type       TEXT NOT NULL DEFAULT '',
    file_size       INTEGER NOT NULL,
    file_hash       TEXT NOT NULL,
    payload         BLOB,
    metadata        TEXT NOT NULL DEFAULT '{}',
    row_hmac        BLOB,
    timestamp_ns    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evidence_case ON evidence(case_id);
CREATE INDEX IF NOT EXISTS idx_evidence_hash ON evidence(file_hash);

CREATE TABLE IF NOT EXISTS cases (
    case_id         TEXT PRIMARY KEY,
    created_at_ns   INTEGER NOT NULL,
    updated_at_ns   INTEGER NOT NULL,
    report_count    INTEGER NOT NULL DEFAULT 0,
    evidence_count  INTEGER NOT NULL DEFAULT 0,
    narrative_index TEXT NOT NULL DEFAULT '[]',
    tags            TEXT NOT NULL DEFAULT '[]'
);
`

// hmacInfo binds derived keys to this store's row tamper-evidence scheme.
const hmacInfo = "evidenced/store/row-hmac/v1"

// Local is the authoritative SQLite persistence gateway.
type Local struct {
	db      *sql.DB
	hmacKey []byte
}

var _ Gateway = (*Local)(nil)

// Open opens or creates the SQLite database at the given path.
//
// When masterSecret is non-empty, a row-HMAC key is derived from it via
// HKDF-SHA256 and every evidence row is written with a tamper-evidence MAC
// over its identity fields. An empty secret disables row MACs.
func Open(path string, masterSecret []byte) (*Local, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, &StorageError{Op: "create database directory", Err: err}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, &StorageError{Op: "open database", Err: err}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &StorageError{Op: "apply schema", Err: err}
	}

	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, &StorageError{Op: "set database permissions", Err: err}
	}

	s := &Local{db: db}
	if len(masterSecret) > 0 {
		key := make([]byte, 32)
		kdf := hkdf.New(sha256.New, masterSecret, nil, []byte(hmacInfo))
		if _, err := io.ReadFull(kdf, key); err != nil {
			db.Close()
			return nil, &StorageError{Op: "derive hmac key", Err: err}
		}
		s.hmacKey = key
	}

	return s, nil
}

// Close closes the database connection.
func (s *Local) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveReport appends a new report row.
func (s *Local) SaveReport(ctx context.Context, r *Report) error {
	if r.CaseID == "" {
		return nil
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	refs, err := json.Marshal(emptyIfNil(r.EvidenceRefs))
	if err != nil {
		return &StorageError{Op: "marshal evidence refs", Err: err}
	}
	index, err := json.Marshal(r.NarrativeIndex)
	if err != nil {
		return &StorageError{Op: "marshal narrative index", Err: err}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (case_id, content, evidence_refs, report_hash, narrative_index, timestamp_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.CaseID, r.Content, string(refs), r.ReportHash, string(index), r.Timestamp.UnixNano(),
	)
	if err != nil {
		return &StorageError{Op: "insert report", Err: err}
	}

	if r.ID, err = result.LastInsertId(); err != nil {
		return &StorageError{Op: "get last insert id", Err: err}
	}
	return nil
}

// GetReports returns all reports for the case, ascending by timestamp.
func (s *Local) GetReports(ctx context.Context, caseID string) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, content, evidence_refs, report_hash, narrative_index, timestamp_ns
		FROM reports
		WHERE case_id = ?
		ORDER BY timestamp_ns ASC, id ASC`, caseID,
	)
	if err != nil {
		return nil, &StorageError{Op: "query reports", Err: err}
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		var r Report
		var refs, index string
		var ts int64
		if err := rows.Scan(&r.ID, &r.CaseID, &r.Content, &refs, &r.ReportHash, &index, &ts); err != nil {
			return nil, &StorageError{Op: "scan report", Err: err}
		}
		if err := json.Unmarshal([]byte(refs), &r.EvidenceRefs); err != nil {
			return nil, &StorageError{Op: "unmarshal evidence refs", Err: err}
		}
		if err := json.Unmarshal([]byte(index), &r.NarrativeIndex); err != nil {
			return nil, &StorageError{Op: "unmarshal narrative index", Err: err}
		}
		r.Timestamp = time.Unix(0, ts)
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "iterate reports", Err: err}
	}

	return reports, nil
}

// SaveEvidence appends a new evidence row, including the binary payload.
func (s *Local) SaveEvidence(ctx context.Context, e *EvidenceFile) error {
	if e.CaseID == "" {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	meta, err := json.Marshal(emptyMapIfNil(e.Metadata))
	if err != nil {
		return &StorageError{Op: "marshal evidence metadata", Err: err}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence (case_id, file_name, file_type, file_size, file_hash, payload, metadata, row_hmac, timestamp_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CaseID, e.FileName, e.FileType, e.FileSize, e.FileHash, e.Payload,
		string(meta), s.rowMAC(e), e.Timestamp.UnixNano(),
	)
	if err != nil {
		return &StorageError{Op: "insert evidence", Err: err}
	}

	if e.ID, err = result.LastInsertId(); err != nil {
		return &StorageError{Op: "get last insert id", Err: err}
	}
	return nil
}

// GetEvidence returns all evidence records for the case.
func (s *Local) GetEvidence(ctx context.Context, caseID string) ([]EvidenceFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, file_name, file_type, file_size, file_hash, payload, metadata, timestamp_ns
		FROM evidence
		WHERE case_id = ?`, caseID,
	)
	if err != nil {
		return nil, &StorageError{Op: "query evidence", Err: err}
	}
	defer rows.Close()

	var files []EvidenceFile
	for rows.Next() {
		var e EvidenceFile
		var meta string
		var ts int64
		if err := rows.Scan(&e.ID, &e.CaseID, &e.FileName, &e.FileType, &e.FileSize, &e.FileHash, &e.Payload, &meta, &ts); err != nil {
			return nil, &StorageError{Op: "scan evidence", Err: err}
		}
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, &StorageError{Op: "unmarshal evidence metadata", Err: err}
		}
		e.Timestamp = time.Unix(0, ts)
		files = append(files, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "iterate evidence", Err: err}
	}

	return files, nil
}

// SaveCaseMetadata upserts the case aggregate. CreatedAt is preserved on
// conflict; all derived fields are replaced.
func (s *Local) SaveCaseMetadata(ctx context.Context, m *CaseMetadata) error {
	if m.CaseID == "" {
		return nil
	}

	index, err := json.Marshal(m.NarrativeIndex)
	if err != nil {
		return &StorageError{Op: "marshal narrative index", Err: err}
	}
	tags, err := json.Marshal(emptyIfNil(m.Tags))
	if err != nil {
		return &StorageError{Op: "marshal tags", Err: err}
	}

	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := m.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cases (case_id, created_at_ns, updated_at_ns, report_count, evidence_count, narrative_index, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_id) DO UPDATE SET
			updated_at_ns   = excluded.updated_at_ns,
			report_count    = excluded.report_count,
			evidence_count  = excluded.evidence_count,
			narrative_index = excluded.narrative_index,
			tags            = excluded.tags`,
		m.CaseID, createdAt.UnixNano(), updatedAt.UnixNano(),
		m.ReportCount, m.EvidenceCount, string(index), string(tags),
	)
	if err != nil {
		return &StorageError{Op: "upsert case metadata", Err: err}
	}
	return nil
}

// GetCaseMetadata returns the case aggregate, or (nil, nil) when absent.
func (s *Local) GetCaseMetadata(ctx context.Context, caseID string) (*CaseMetadata, error) {
	var m CaseMetadata
	var index, tags string
	var createdNs, updatedNs int64

	err := s.db.QueryRowContext(ctx, `
		SELECT case_id, created_at_ns, updated_at_ns, report_count, evidence_count, narrative_index, tags
		FROM cases WHERE case_id = ?`, caseID,
	).Scan(&m.CaseID, &createdNs, &updatedNs, &m.ReportCount, &m.EvidenceCount, &index, &tags)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &StorageError{Op: "get case metadata", Err: err}
	}

	if err := json.Unmarshal([]byte(index), &m.NarrativeIndex); err != nil {
		return nil, &StorageError{Op: "unmarshal narrative index", Err: err}
	}
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		return nil, &StorageError{Op: "unmarshal tags", Err: err}
	}
	m.CreatedAt = time.Unix(0, createdNs)
	m.UpdatedAt = time.Unix(0, updatedNs)

	return &m, nil
}

// GetAllCases derives the distinct case identifiers observed across reports.
func (s *Local) GetAllCases(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT case_id FROM reports ORDER BY case_id ASC`)
	if err != nil {
		return nil, &StorageError{Op: "query case ids", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &StorageError{Op: "scan case id", Err: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "iterate case ids", Err: err}
	}

	return ids, nil
}

// EvidenceCases derives the distinct case identifiers observed across
// evidence rows. Unlike GetAllCases this sees cases that hold evidence but
// have no reports yet.
func (s *Local) EvidenceCases(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT case_id FROM evidence ORDER BY case_id ASC`)
	if err != nil {
		return nil, &StorageError{Op: "query evidence case ids", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &StorageError{Op: "scan evidence case id", Err: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "iterate evidence case ids", Err: err}
	}

	return ids, nil
}

// IntegrityMismatch describes one evidence row whose tamper-evidence MAC no
// longer matches its identity fields.
type IntegrityMismatch struct {
	EvidenceID int64
	CaseID     string
	FileName   string
}

// VerifyIntegrity recomputes the row MAC for every evidence record and
// returns the mismatched rows. Rows written without a MAC are skipped.
func (s *Local) VerifyIntegrity(ctx context.Context) ([]IntegrityMismatch, error) {
	if s.hmacKey == nil {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, file_name, file_type, file_size, file_hash, row_hmac, timestamp_ns
		FROM evidence`)
	if err != nil {
		return nil, &StorageError{Op: "query evidence for verification", Err: err}
	}
	defer rows.Close()

	var mismatches []IntegrityMismatch
	for rows.Next() {
		var e EvidenceFile
		var mac []byte
		var ts int64
		if err := rows.Scan(&e.ID, &e.CaseID, &e.FileName, &e.FileType, &e.FileSize, &e.FileHash, &mac, &ts); err != nil {
			return nil, &StorageError{Op: "scan evidence for verification", Err: err}
		}
		if mac == nil {
			continue
		}
		e.Timestamp = time.Unix(0, ts)
		if !hmac.Equal(mac, s.rowMAC(&e)) {
			mismatches = append(mismatches, IntegrityMismatch{
				EvidenceID: e.ID,
				CaseID:     e.CaseID,
				FileName:   e.FileName,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "iterate evidence for verification", Err: err}
	}

	return mismatches, nil
}

// rowMAC computes the tamper-evidence MAC over an evidence row's identity
// fields. Returns nil when row MACs are disabled.
func (s *Local) rowMAC(e *EvidenceFile) []byte {
	if s.hmacKey == nil {
		return nil
	}
	mac := hmac.New(sha256.New, s.hmacKey)
	mac.Write([]byte(e.CaseID))
	mac.Write([]byte{0})
	mac.Write([]byte(e.FileName))
	mac.Write([]byte{0})
	mac.Write([]byte(e.FileType))
	mac.Write([]byte{0})
	mac.Write([]byte(e.FileHash))
	mac.Write([]byte{0})
	binary.Write(mac, binary.BigEndian, e.FileSize)
	binary.Write(mac, binary.BigEndian, e.Timestamp.UnixNano())
	return mac.Sum(nil)
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyMapIfNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

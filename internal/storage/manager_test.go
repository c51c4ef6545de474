package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evidenced/internal/store"
)

// memGateway is an in-memory store.Gateway for manager tests.
type memGateway struct {
	mu       sync.Mutex
	reports  map[string][]store.Report
	evidence map[string][]store.EvidenceFile
	cases    map[string]*store.CaseMetadata
	failAll  bool
}

func newMemGateway() *memGateway {
	return &memGateway{
		reports:  map[string][]store.Report{},
		evidence: map[string][]store.EvidenceFile{},
		cases:    map[string]*store.CaseMetadata{},
	}
}

var errInjected = errors.New("injected failure")

func (g *memGateway) SaveReport(ctx context.Context, r *store.Report) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failAll {
		return &store.StorageError{Op: "insert report", Err: errInjected}
	}
	if r.CaseID == "" {
		return nil
	}
	g.reports[r.CaseID] = append(g.reports[r.CaseID], *r)
	return nil
}

func (g *memGateway) GetReports(ctx context.Context, caseID string) ([]store.Report, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failAll {
		return nil, &store.StorageError{Op: "query reports", Err: errInjected}
	}
	out := append([]store.Report(nil), g.reports[caseID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (g *memGateway) SaveEvidence(ctx context.Context, e *store.EvidenceFile) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failAll {
		return &store.StorageError{Op: "insert evidence", Err: errInjected}
	}
	if e.CaseID == "" {
		return nil
	}
	g.evidence[e.CaseID] = append(g.evidence[e.CaseID], *e)
	return nil
}

func (g *memGateway) GetEvidence(ctx context.Context, caseID string) ([]store.EvidenceFile, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]store.EvidenceFile(nil), g.evidence[caseID]...), nil
}

func (g *memGateway) SaveCaseMetadata(ctx context.Context, m *store.CaseMetadata) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m.CaseID == "" {
		return nil
	}
	cp := *m
	g.cases[m.CaseID] = &cp
	return nil
}

func (g *memGateway) GetCaseMetadata(ctx context.Context, caseID string) (*store.CaseMetadata, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.cases[caseID]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (g *memGateway) GetAllCases(ctx context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ids []string
	for id := range g.reports {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// failingReplica rejects every call; the manager must log and drop.
type failingReplica struct{ memGateway }

func (r *failingReplica) SaveReport(ctx context.Context, _ *store.Report) error {
	return &store.ReplicationError{Op: "push report", Err: errInjected}
}

func (r *failingReplica) SaveEvidence(ctx context.Context, _ *store.EvidenceFile) error {
	return &store.ReplicationError{Op: "push evidence", Err: errInjected}
}

func (r *failingReplica) SaveCaseMetadata(ctx context.Context, _ *store.CaseMetadata) error {
	return &store.ReplicationError{Op: "set case metadata", Err: errInjected}
}

func newTestManager(replica store.Gateway) (*Manager, *memGateway) {
	local := newMemGateway()
	m := NewManager(local, replica, nil, nil)
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return m, local
}

func TestSaveReportRecomputesAggregate(t *testing.T) {
	m, local := newTestManager(nil)
	ctx := context.Background()

	_, err := m.SaveEvidence(ctx, "case-1", "a.pdf", "application/pdf", []byte("pdf"), nil)
	require.NoError(t, err)

	content := "## Findings\nMarcus Webb paid $500 on 2024-01-02.\n"
	r, err := m.SaveReport(ctx, "case-1", content, []string{"a.pdf"})
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Len(t, r.ReportHash, 64, "report hash must be a sha-256 hex digest")
	assert.NotEmpty(t, r.NarrativeIndex)

	meta := local.cases["case-1"]
	require.NotNil(t, meta, "aggregate must be upserted after a report save")
	assert.Equal(t, 1, meta.ReportCount)
	assert.Equal(t, 1, meta.EvidenceCount)
	assert.NotEmpty(t, meta.NarrativeIndex)

	// Second report with overlapping facts: counts advance, index dedups.
	_, err = m.SaveReport(ctx, "case-1", content+"\nA new fact: $750.\n", nil)
	require.NoError(t, err)

	meta = local.cases["case-1"]
	assert.Equal(t, 2, meta.ReportCount)

	keys := map[string]int{}
	for _, e := range meta.NarrativeIndex {
		keys[e.DedupKey()]++
	}
	for k, n := range keys {
		assert.Equal(t, 1, n, "merged index contains duplicate key %s", k)
	}
}

func TestSaveReportPreservesCreatedAt(t *testing.T) {
	m, local := newTestManager(nil)
	ctx := context.Background()

	_, err := m.SaveReport(ctx, "case-2", "first", nil)
	require.NoError(t, err)
	created := local.cases["case-2"].CreatedAt

	_, err = m.SaveReport(ctx, "case-2", "second", nil)
	require.NoError(t, err)

	assert.True(t, local.cases["case-2"].CreatedAt.Equal(created),
		"CreatedAt must survive aggregate recomputes")
	assert.True(t, local.cases["case-2"].UpdatedAt.After(created))
}

func TestEmptyCaseIDIsSilentNoOp(t *testing.T) {
	m, local := newTestManager(nil)
	ctx := context.Background()

	r, err := m.SaveReport(ctx, "", "content", nil)
	assert.NoError(t, err)
	assert.Nil(t, r)

	e, err := m.SaveEvidence(ctx, "", "f.bin", "", []byte("x"), nil)
	assert.NoError(t, err)
	assert.Nil(t, e)

	assert.Empty(t, local.reports)
	assert.Empty(t, local.evidence)
}

func TestLocalFailureIsSurfaced(t *testing.T) {
	m, local := newTestManager(nil)
	local.failAll = true

	_, err := m.SaveReport(context.Background(), "case-3", "content", nil)
	require.Error(t, err)

	var se *store.StorageError
	assert.True(t, errors.As(err, &se), "storage errors must surface, got %T", err)
}

func TestReplicaFailureNeverPropagates(t *testing.T) {
	m, local := newTestManager(&failingReplica{})
	ctx := context.Background()

	_, err := m.SaveReport(ctx, "case-4", "## S\ntext", nil)
	assert.NoError(t, err, "replication failure must not fail the local write")

	_, err = m.SaveEvidence(ctx, "case-4", "img.png", "image/png", []byte{9}, nil)
	assert.NoError(t, err)

	m.WaitForReplication()
	assert.Len(t, local.reports["case-4"], 1)
	assert.Len(t, local.evidence["case-4"], 1)
}

func TestReplicaReceivesNoBinaryPayload(t *testing.T) {
	replica := newMemGateway()
	local := newMemGateway()
	m := NewManager(local, replica, nil, nil)
	ctx := context.Background()

	payload := []byte("SECRET-EVIDENCE-BYTES")
	_, err := m.SaveEvidence(ctx, "case-5", "dump.bin", "application/octet-stream", payload, nil)
	require.NoError(t, err)
	m.WaitForReplication()

	require.Len(t, replica.evidence["case-5"], 1)
	mirrored := replica.evidence["case-5"][0]
	assert.Nil(t, mirrored.Payload, "replica must never receive binary payloads")
	assert.Equal(t, int64(len(payload)), mirrored.FileSize)
	assert.NotEmpty(t, mirrored.FileHash)

	// Local copy keeps the payload.
	require.Len(t, local.evidence["case-5"], 1)
	assert.Equal(t, payload, local.evidence["case-5"][0].Payload)
}

func TestSetCaseTags(t *testing.T) {
	m, local := newTestManager(nil)
	ctx := context.Background()

	_, err := m.SaveReport(ctx, "case-6", "content", nil)
	require.NoError(t, err)

	require.NoError(t, m.SetCaseTags(ctx, "case-6", []string{"fraud", "open"}))
	assert.Equal(t, []string{"fraud", "open"}, local.cases["case-6"].Tags)

	// Tags survive the next aggregate recompute.
	_, err = m.SaveReport(ctx, "case-6", "more content", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"fraud", "open"}, local.cases["case-6"].Tags)
}

func TestExportAllDataRedactsPayloads(t *testing.T) {
	m, _ := newTestManager(nil)
	ctx := context.Background()

	secret := "TOP-SECRET-BINARY-CONTENT"
	_, err := m.SaveEvidence(ctx, "case-7", "secret.bin", "", []byte(secret), nil)
	require.NoError(t, err)
	_, err = m.SaveReport(ctx, "case-7", "## Report\nabout the binary", []string{"secret.bin"})
	require.NoError(t, err)

	export, err := m.ExportAllData(ctx)
	require.NoError(t, err)
	require.Len(t, export.Cases, 1)

	raw, err := json.Marshal(export)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), secret,
		"export must never contain binary payload bytes")
	assert.Contains(t, string(raw), PayloadPlaceholder(int64(len(secret))))
}

func TestConcurrentSameCaseWritesAreSerialized(t *testing.T) {
	m, local := newTestManager(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.SaveReport(ctx, "case-8", "## S\nconcurrent", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	meta := local.cases["case-8"]
	require.NotNil(t, meta)
	assert.Equal(t, 8, meta.ReportCount,
		"per-case serialization must prevent lost aggregate updates")
	assert.Len(t, local.reports["case-8"], 8)
}

func TestReportTimestampFromInjectedClock(t *testing.T) {
	m, _ := newTestManager(nil)

	r, err := m.SaveReport(context.Background(), "case-9", "x", nil)
	require.NoError(t, err)
	assert.Equal(t, 2024, r.Timestamp.Year())
	assert.False(t, strings.Contains(r.Timestamp.String(), "0001"),
		"timestamp must come from the injected clock")
}

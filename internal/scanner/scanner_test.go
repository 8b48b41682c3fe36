package scanner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vasillieux/escaped/internal/jobs"
)

type stubEngine struct {
	name     string
	findings []jobs.Finding
	err      error
}

func (s stubEngine) Name() string { return s.name }
func (s stubEngine) Scan(ctx context.Context, req Request) ([]jobs.Finding, error) {
	return s.findings, s.err
}

func TestResultWriterWritesEmptyArrayWhenNoFindings(t *testing.T) {
	dir := t.TempDir()
	w := ResultWriter{Dir: dir}
	req := Request{Org: "acme", Repo: "foo", SourceType: jobs.SourceTypeLocalRepo}
	require.NoError(t, w.Write(req, "trufflehog", nil))

	data, err := os.ReadFile(filepath.Join(dir, "acme_foo_local_repo_trufflehog.json"))
	require.NoError(t, err)
	require.JSONEq(t, "[]", string(data))
}

func TestResultWriterWritesFindings(t *testing.T) {
	dir := t.TempDir()
	w := ResultWriter{Dir: dir}
	req := Request{Org: "acme", Repo: "foo", SourceType: jobs.SourceTypeRestoredFiles}
	findings := []jobs.Finding{{Org: "acme", Repo: "foo", Detector: "aws-access-key-id"}}
	require.NoError(t, w.Write(req, "custom-regex", findings))

	data, err := os.ReadFile(filepath.Join(dir, "acme_foo_restored_files_custom-regex.json"))
	require.NoError(t, err)
	var got []jobs.Finding
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got, 1)
}

func TestOrchestratorCombinesFindingsAcrossEngines(t *testing.T) {
	dir := t.TempDir()
	e1 := stubEngine{name: "engine-a", findings: []jobs.Finding{{Detector: "a"}}}
	e2 := stubEngine{name: "engine-b", findings: []jobs.Finding{{Detector: "b"}, {Detector: "c"}}}
	o := NewOrchestrator(dir, nil, e1, e2)

	findings, err := o.Scan(context.Background(), Request{Org: "acme", Repo: "foo", SourceType: jobs.SourceTypeLocalRepo})
	require.NoError(t, err)
	require.Len(t, findings, 3)
}

func TestOrchestratorContinuesAfterOneEngineFails(t *testing.T) {
	dir := t.TempDir()
	failing := stubEngine{name: "broken", err: assert.AnError}
	ok := stubEngine{name: "fine", findings: []jobs.Finding{{Detector: "x"}}}
	o := NewOrchestrator(dir, nil, failing, ok)

	findings, err := o.Scan(context.Background(), Request{Org: "acme", Repo: "foo", SourceType: jobs.SourceTypeLocalRepo})
	require.Error(t, err)
	require.Len(t, findings, 1)
}

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blueprint/pkg/config"
	"blueprint/pkg/llm"
	"blueprint/pkg/router"
	"blueprint/pkg/store"
	"blueprint/pkg/workflow"
)

func testConfig() config.Config {
	return config.Config{
		Models: config.ModelsConfig{
			Generator: []config.ModelRef{{Provider: config.ProviderAnthropic, Model: "mock-generator"}},
			Validator: []config.ModelRef{{Provider: config.ProviderOpenAI, Model: "mock-validator"}},
		},
		Workflow: config.WorkflowConfig{
			MaxRevisions:      3,
			StageRetryDelayMS: 1,
		},
		Refinement: config.RefinementConfig{
			Strategy:         "validation_only",
			QualityThreshold: 0.85,
			MaxIterations:    3,
			SynthesisDrafts:  2,
		},
		Server: config.ServerConfig{ListenAddr: ":0"},
	}
}

// pipelineResponses is the full sequence of generator responses for one
// clean run through the pipeline.
func pipelineResponses() []string {
	return []string{
		"architecture summary",
		`{"functional":[{"id":"FR-1","title":"Export invoices"}],"non_functional":[],"assumptions":[]}`,
		`{"document":"integration design doc","strategy":"extend"}`,
		`{"document":"implementation plan doc","phases":[{"name":"phase 1"}]}`,
	}
}

func newTestServer(t *testing.T, generatorTexts []string) (*httptest.Server, *store.MemoryStore) {
	t.Helper()

	mem := store.NewMemoryStore()
	generator := llm.NewMockClientWithText("mock-generator", generatorTexts...)
	validator := llm.NewMockClientWithText("mock-validator",
		`{"completeness":0.9,"consistency":0.9,"accuracy":0.9,"relevance":0.9,"confidence":0.9}`)

	orch, err := NewOrchestrator(OrchestratorOptions{
		Config: testConfig(),
		Store:  mem,
		RouterFactory: func(opts router.Options) *router.Router {
			opts.Factory = func(ref config.ModelRef) (llm.LLMClient, error) {
				switch ref.Model {
				case "mock-generator":
					return generator, nil
				case "mock-validator":
					return validator, nil
				default:
					return nil, fmt.Errorf("unexpected model %s", ref.Model)
				}
			}
			return router.New(opts)
		},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(orch, ":0").srv.Handler)
	t.Cleanup(srv.Close)
	return srv, mem
}

func testStartBody(t *testing.T) []byte {
	t.Helper()
	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, "main.go"), []byte("package main\n"), 0o644))

	reqPath := filepath.Join(t.TempDir(), "requirements.md")
	require.NoError(t, os.WriteFile(reqPath, []byte("## Functional\n- [FR-1] Export invoices\n"), 0o644))

	body, err := json.Marshal(map[string]string{
		"project_id":        "billing",
		"repo_url":          repo,
		"requirements_path": reqPath,
	})
	require.NoError(t, err)
	return body
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeState(t *testing.T, resp *http.Response) *workflow.State {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var st workflow.State
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return &st
}

func TestWorkflowLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, pipelineResponses())

	// Start: runs to the first review gate
	resp, err := http.Post(srv.URL+"/api/workflows", "application/json", bytes.NewReader(testStartBody(t)))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	st := decodeState(t, resp)
	assert.Equal(t, workflow.StageReviewRequirements, st.CurrentStage)
	sessionID := st.SessionID

	// Status reflects the parked state
	resp, err = http.Get(srv.URL + "/api/workflows/" + sessionID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, workflow.StageReviewRequirements, decodeState(t, resp).CurrentStage)

	// Approve requirements: runs to the integration review gate
	resp = postJSON(t, srv.URL+"/api/workflows/"+sessionID+"/review",
		map[string]string{"decision": "approved", "reviewer": "alex"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, workflow.StageReviewIntegration, decodeState(t, resp).CurrentStage)

	// Approve the design: runs to completion
	resp = postJSON(t, srv.URL+"/api/workflows/"+sessionID+"/review",
		map[string]string{"decision": "approved", "reviewer": "alex"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	final := decodeState(t, resp)
	assert.Equal(t, workflow.StageCompleted, final.CurrentStage)
	assert.Len(t, final.FeedbackHistory, 2)

	// List shows the finished session
	resp, err = http.Get(srv.URL + "/api/workflows")
	require.NoError(t, err)
	var list struct {
		Sessions []store.SessionInfo `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	_ = resp.Body.Close()
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, workflow.StageCompleted.String(), list.Sessions[0].Stage)
}

func TestReviewRejectionLoopsBack(t *testing.T) {
	responses := pipelineResponses()
	// One extra parse response for the regeneration pass
	responses = append(responses[:2],
		`{"functional":[{"id":"FR-1","title":"Export invoices"},{"id":"FR-2","title":"Audit log"}],"non_functional":[],"assumptions":[]}`)
	srv, _ := newTestServer(t, responses)

	resp, err := http.Post(srv.URL+"/api/workflows", "application/json", bytes.NewReader(testStartBody(t)))
	require.NoError(t, err)
	st := decodeState(t, resp)

	resp = postJSON(t, srv.URL+"/api/workflows/"+st.SessionID+"/review",
		map[string]string{"decision": "needs_revision", "comment": "missing the audit requirement"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Regeneration ran and parked at the gate again
	revised := decodeState(t, resp)
	assert.Equal(t, workflow.StageReviewRequirements, revised.CurrentStage)
	assert.Equal(t, 1, revised.RevisionCounts[workflow.StageReviewRequirements])

	art, ok := revised.Artifact(workflow.StageParseRequirements)
	require.True(t, ok)
	reqs, err := art.ExtractRequirements()
	require.NoError(t, err)
	assert.Len(t, reqs.Functional, 2)
}

func TestRefineEndpointValidationOnly(t *testing.T) {
	srv, _ := newTestServer(t, pipelineResponses())

	resp, err := http.Post(srv.URL+"/api/workflows", "application/json", bytes.NewReader(testStartBody(t)))
	require.NoError(t, err)
	st := decodeState(t, resp)

	resp = postJSON(t, srv.URL+"/api/workflows/"+st.SessionID+"/refine",
		map[string]string{"stage": workflow.StageParseRequirements.String()})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Result struct {
			MetThreshold bool `json:"met_threshold"`
			Iterations   int  `json:"iterations"`
		} `json:"result"`
		Questions []json.RawMessage `json:"questions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	_ = resp.Body.Close()

	assert.True(t, out.Result.MetThreshold)
	assert.Equal(t, 1, out.Result.Iterations)
	assert.Empty(t, out.Questions)
}

func TestStatusUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/api/workflows/nope")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

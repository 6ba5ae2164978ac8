package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/bsplinereg/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const smallJobYAML = `
backend: serial
fixed:
  pattern: gauss
  dim: [16, 16, 16]
  spacing: [1, 1, 1]
  foreground: 100
  sigma: [3, 3, 3]
moving:
  pattern: gauss
  dim: [16, 16, 16]
  spacing: [1, 1, 1]
  foreground: 100
  sigma: [3, 3, 3]
  translation: [1, 0, 0]
stages:
  - gridSpacing: [8, 8, 8]
    maxIterations: 3
`

func newTestServer(t *testing.T, withStore bool) (*Server, *httptest.Server) {
	t.Helper()
	var st *store.FSStore
	if withStore {
		var err error
		st, err = store.NewFSStore(t.TempDir())
		require.NoError(t, err)
	}
	s := NewServer("127.0.0.1:0", st)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s, ts
}

func createJob(t *testing.T, ts *httptest.Server, body string) *Job {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/yaml", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var job Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	return &job
}

func waitForTerminal(t *testing.T, s *Server, id string) *Job {
	t.Helper()
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := s.jobManager.GetJob(id)
		require.True(t, ok)
		if job.State.Terminal() {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return nil
}

func TestServer_JobRunsToCompletion(t *testing.T) {
	s, ts := newTestServer(t, true)

	job := createJob(t, ts, smallJobYAML)
	assert.NotEmpty(t, job.ID)
	assert.Contains(t, []JobState{StatePending, StateRunning}, job.State)
	assert.Equal(t, "serial", job.Config.Backend)

	done := waitForTerminal(t, s, job.ID)
	require.Equal(t, StateCompleted, done.State, "error: %s", done.Error)
	require.Len(t, done.Stages, 1)
	assert.Equal(t, [3]int{5, 5, 5}, done.Stages[0].CDims)
	assert.Positive(t, done.Evaluations)
	assert.LessOrEqual(t, done.BestMSE, done.InitialMSE)
	assert.LessOrEqual(t, done.Stages[0].FinalMSE, done.Stages[0].InitialMSE)

	resp, err := http.Get(ts.URL + "/api/v1/jobs/" + job.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "completed", status["state"])
	assert.Contains(t, status, "elapsedSeconds")

	cpResp, err := http.Get(ts.URL + "/api/v1/jobs/" + job.ID + "/checkpoint")
	require.NoError(t, err)
	defer cpResp.Body.Close()
	require.Equal(t, http.StatusOK, cpResp.StatusCode)
	var cp store.Checkpoint
	require.NoError(t, json.NewDecoder(cpResp.Body).Decode(&cp))
	assert.Equal(t, job.ID, cp.JobID)
	assert.Len(t, cp.Coefficients, 3*5*5*5)

	tr, err := store.NewTraceReader(s.store.BaseDir(), job.ID)
	require.NoError(t, err)
	defer tr.Close()
	entries, err := tr.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, done.Evaluations)
}

func TestServer_StreamOfFinishedJob(t *testing.T) {
	s, ts := newTestServer(t, false)
	job := createJob(t, ts, smallJobYAML)
	waitForTerminal(t, s, job.ID)

	resp, err := http.Get(ts.URL + "/api/v1/jobs/" + job.ID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The handler sends the final state and closes the stream.
	var events []ProgressEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var ev ProgressEvent
			require.NoError(t, json.Unmarshal([]byte(data), &ev))
			events = append(events, ev)
		}
	}
	require.NoError(t, scanner.Err())
	require.Len(t, events, 1)
	assert.Equal(t, StateCompleted, events[0].State)
	assert.Equal(t, job.ID, events[0].JobID)
}

func TestServer_ListJobs(t *testing.T) {
	s, ts := newTestServer(t, false)
	s.jobManager.CreateJob(testJobConfig())
	s.jobManager.CreateJob(testJobConfig())

	resp, err := http.Get(ts.URL + "/api/v1/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var jobs []Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	assert.Len(t, jobs, 2)
}

func TestServer_InvalidConfigs(t *testing.T) {
	_, ts := newTestServer(t, false)

	tests := map[string]string{
		"syntax":  "stages: [",
		"backend": "backend: quantum",
		"stage":   "stages:\n  - maxIterations: 0\n",
		"pattern": "fixed:\n  pattern: teapot\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/v1/jobs", "application/yaml", strings.NewReader(body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestServer_UnknownJob(t *testing.T) {
	_, ts := newTestServer(t, true)

	for _, path := range []string{"", "/stream", "/checkpoint"} {
		resp, err := http.Get(ts.URL + "/api/v1/jobs/missing" + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "path %q", path)
	}

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/jobs/missing", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_CancelJob(t *testing.T) {
	s, ts := newTestServer(t, false)

	// A job without a worker stays pending until cancelled.
	job := s.jobManager.CreateJob(testJobConfig())
	ctx, cancel := context.WithCancel(context.Background())
	s.jobManager.setCancel(job.ID, cancel)

	del := func() int {
		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/jobs/"+job.ID, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusAccepted, del())
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	require.ErrorIs(t, runJob(ctx, s.jobManager, nil, job.ID), context.Canceled)
	done, _ := s.jobManager.GetJob(job.ID)
	assert.Equal(t, StateCancelled, done.State)
	assert.NotNil(t, done.EndTime)

	assert.Equal(t, http.StatusConflict, del())
}

func TestServer_Backends(t *testing.T) {
	_, ts := newTestServer(t, false)

	resp, err := http.Get(ts.URL + "/api/v1/backends")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Backends []string `json:"backends"`
		Kernel   string   `json:"kernel"`
		OpenCL   bool     `json:"opencl"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.ElementsMatch(t, []string{"serial", "parallel", "opencl"}, body.Backends)
	assert.NotEmpty(t, body.Kernel)
}

func TestServer_CORSPreflight(t *testing.T) {
	_, ts := newTestServer(t, false)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/jobs", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "DELETE")
}

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plasmalab/probelab/langmuir"
	"github.com/plasmalab/probelab/oscilloscope"
	"github.com/plasmalab/probelab/record"
	"github.com/plasmalab/probelab/util"
)

// writeShot saves a 101 sample capture with a trigger pulse on [2, 8) and
// T = 5/ln2 eV to dir
func writeShot(t *testing.T, dir, name string) string {
	t.Helper()
	var c oscilloscope.Capture
	n := 101
	c.Time = make([]float64, n)
	for i := range c.Channels {
		c.Channels[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		tm := float64(i) * 0.1
		c.Time[i] = tm
		if tm >= 2 && tm < 8 {
			c.Channels[0][i] = 5
		}
		c.Channels[1][i] = 5
		c.Channels[2][i] = 5 + 2.65
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, oscilloscope.EncodeText(f, c))
	return path
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	c := DefaultConfig()
	c.Stage.Mock = true
	c.Stage.Limits = map[string]util.Limiter{"X": {Min: 0, Max: 50}}
	c.Scope.Addr = ""
	c.Scope.Replay = []string{writeShot(t, dir, "shot.txt")}
	c.Scope.Loop = true
	c.Analysis.TimeScale = 1
	c.Analysis.Trigger = langmuir.Trigger{Channel: 1, Threshold: 2.5, GuardFront: 0.1, GuardBack: 0.1}
	c.Record.Log = filepath.Join(dir, "plasma_params.txt")
	c.Record.ArchiveDir = filepath.Join(dir, "archive")
	return c
}

func testServer(t *testing.T, c Config) *httptest.Server {
	t.Helper()
	stage, err := OpenStage(c.Stage)
	require.NoError(t, err)
	sess, err := OpenSession(c, stage)
	require.NoError(t, err)
	srv := httptest.NewServer(BuildMux(c, stage, sess))
	t.Cleanup(func() {
		srv.Close()
		sess.Close()
	})
	return srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestEndpoints(t *testing.T) {
	srv := testServer(t, testConfig(t))
	resp, err := http.Get(srv.URL + "/endpoints")
	require.NoError(t, err)
	defer resp.Body.Close()
	var graph map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&graph))
	assert.Contains(t, graph["/stage"], "POST /axis/{axis}/move")
	assert.Contains(t, graph["/stage"], "GET /axis/{axis}/limits")
	assert.Contains(t, graph["/stage"], "POST /lock")
	assert.Contains(t, graph["/probe"], "POST /measurement")
}

func TestStageThroughMux(t *testing.T) {
	srv := testServer(t, testConfig(t))

	resp := post(t, srv.URL+"/stage/axis/X/pos", `{"f64": 2}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err := http.Get(srv.URL + "/stage/axis/X/pos")
	require.NoError(t, err)
	defer resp.Body.Close()
	var pos struct {
		F64 float64 `json:"f64"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pos))
	assert.InDelta(t, 2, pos.F64, 1e-3)

	// past the software limit nothing is sent, whatever the axis case
	for _, axis := range []string{"X", "x"} {
		resp = post(t, srv.URL+"/stage/axis/"+axis+"/move", `{"f64": 60}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, axis)
		resp = post(t, srv.URL+"/stage/axis/"+axis+"/pos?relative=true", `{"f64": 49}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, axis)
	}
	resp, err = http.Get(srv.URL + "/stage/axis/x/pos")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pos))
	assert.InDelta(t, 2, pos.F64, 1e-3)

	// locked stages refuse motion but still answer queries
	resp = post(t, srv.URL+"/stage/lock", `{"bool": true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = post(t, srv.URL+"/stage/zero", "")
	assert.Equal(t, http.StatusLocked, resp.StatusCode)
	resp = post(t, srv.URL+"/stage/axis/X/stop", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "stop is allowed while locked")
	resp, err = http.Get(srv.URL + "/stage/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRecordThroughMux(t *testing.T) {
	c := testConfig(t)
	srv := testServer(t, c)

	resp := post(t, srv.URL+"/stage/axis/X/move", `{"f64": 1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = post(t, srv.URL+"/probe/measurement", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var shot struct {
		Tag      string `json:"tag"`
		Archived string `json:"archived"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&shot))
	assert.Equal(t, "1.00", shot.Tag)
	assert.Equal(t, filepath.Join(c.Record.ArchiveDir, "data_0.txt"), shot.Archived)

	raw, err := os.ReadFile(c.Record.Log)
	require.NoError(t, err)
	rows, err := record.ReadAll(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "1.00", rows[0].Tag)
	assert.InEpsilon(t, 7.2135, rows[0].TemperatureMean, 1e-4)
}

func TestAnalysisConfig(t *testing.T) {
	c := DefaultConfig()
	an, err := c.Analysis.Analyzer()
	require.NoError(t, err)
	assert.Equal(t, langmuir.DefaultAnalyzer(), an)

	c.Analysis.Model = "maxwellian"
	_, err = c.Analysis.Analyzer()
	assert.Error(t, err)
}

func TestOpenScope(t *testing.T) {
	_, err := OpenScope(ScopeConfig{})
	assert.Error(t, err)

	_, err = OpenScope(ScopeConfig{Addr: "127.0.0.1:4000", Sources: []string{"CH1"}})
	assert.Error(t, err)
}

func TestOpenStageDisabled(t *testing.T) {
	s, err := OpenStage(StageConfig{})
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestAnalyzeFiles(t *testing.T) {
	dir := t.TempDir()
	paths := []string{writeShot(t, dir, "a.txt"), writeShot(t, dir, "b.txt")}
	c := testConfig(t)
	an, err := c.Analysis.Analyzer()
	require.NoError(t, err)
	results, err := analyzeFiles(an, paths)
	require.NoError(t, err)
	require.Len(t, results, 2)
	comb, err := langmuir.Combine(results)
	require.NoError(t, err)
	assert.InEpsilon(t, results[0].Temperature.Mean, comb.Temperature.Mean, 1e-12)

	_, err = analyzeFiles(an, []string{filepath.Join(dir, "missing.txt")})
	assert.Error(t, err)
}

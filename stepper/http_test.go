package stepper

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plasmalab/probelab/generichttp/motion"
	"github.com/plasmalab/probelab/util"
)

func stageServer(t *testing.T, sim *Simulator) (*Controller, *httptest.Server) {
	t.Helper()
	c, err := NewSimulated(sim, DefaultConfig())
	require.NoError(t, err)
	h := NewHTTPStage(c)
	lm := motion.LimitMiddleware{Limits: map[string]util.Limiter{"X": {Min: -1, Max: 75}}, Mov: c}
	lm.Inject(h)
	r := chi.NewRouter()
	r.Use(lm.Check)
	h.RT().Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		c.Close()
	})
	return c, srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHTTPPosition(t *testing.T) {
	_, srv := stageServer(t, NewSimulator(-1e9, 1e9, 0))
	resp := post(t, srv.URL+"/axis/X/pos", `{"f64": 1}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(t, srv.URL+"/axis/X/pos")
	var f struct {
		F64 float64 `json:"f64"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&f))
	assert.Equal(t, 1., f.F64)

	resp = post(t, srv.URL+"/axis/X/pos?relative=true", `{"f64": -0.5}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = get(t, srv.URL+"/axis/X/pos")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&f))
	assert.Equal(t, 0.5, f.F64)
}

func TestHTTPSoftwareLimits(t *testing.T) {
	sim := NewSimulator(-1e9, 1e9, 0)
	_, srv := stageServer(t, sim)
	resp := post(t, srv.URL+"/axis/X/pos", `{"f64": 100}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, sim.Received())

	resp = get(t, srv.URL+"/axis/X/limits")
	var lim util.Limiter
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lim))
	assert.Equal(t, util.Limiter{Min: -1, Max: 75}, lim)
}

func TestHTTPMoveOutcome(t *testing.T) {
	sim := NewSimulator(-1e9, 1e9, 0)
	sim.Script(2, "pos_limit")
	_, srv := stageServer(t, sim)
	resp := post(t, srv.URL+"/axis/X/move", `{"f64": 10}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Kind       string `json:"kind"`
		AckedSteps int64  `json:"ackedSteps"`
		Chunks     int    `json:"chunks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "pos_limit", out.Kind)
	assert.Equal(t, int64(1500), out.AckedSteps)
	assert.Equal(t, 2, out.Chunks)

	resp = get(t, srv.URL+"/axis/X/inposition")
	var b struct {
		Bool bool `json:"bool"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&b))
	assert.True(t, b.Bool)

	resp = get(t, srv.URL+"/state")
	var st struct {
		State string `json:"state"`
		Limit string `json:"limit"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "limit-reached", st.State)
	assert.Equal(t, "pos_limit", st.Limit)
}

func TestHTTPFaultAndReset(t *testing.T) {
	sim := NewSimulator(-1e9, 1e9, 0)
	sim.Script(1, "stalled")
	c, srv := stageServer(t, sim)

	resp := post(t, srv.URL+"/axis/X/move", `{"f64": 1}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp = get(t, srv.URL+"/state")
	var st struct {
		State string `json:"state"`
		Fault string `json:"fault"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "faulted", st.State)
	assert.Equal(t, "stalled", st.Fault)

	resp = post(t, srv.URL+"/axis/X/pos", `{"f64": 1}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = post(t, srv.URL+"/reset", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, Idle, c.State())
}

func TestHTTPVelocity(t *testing.T) {
	c, srv := stageServer(t, NewSimulator(-1e9, 1e9, 0))
	resp := post(t, srv.URL+"/axis/X/velocity", `{"f64": 2}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	v, err := c.GetVelocity("X")
	require.NoError(t, err)
	assert.InDelta(t, 2, v, 1e-9)

	resp = post(t, srv.URL+"/axis/X/velocity", `{"f64": -2}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHTTPUnknownAxis(t *testing.T) {
	_, srv := stageServer(t, NewSimulator(-1e9, 1e9, 0))
	resp := post(t, srv.URL+"/axis/Y/move", `{"f64": 1}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

package locker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"

	"github.com/plasmalab/probelab/generichttp"
)

type table generichttp.RouteTable

func (t table) RT() generichttp.RouteTable { return generichttp.RouteTable(t) }

func TestLockBlocksWrites(t *testing.T) {
	rt := table{
		{Method: http.MethodPost, Path: "/move"}: func(w http.ResponseWriter, r *http.Request) {},
		{Method: http.MethodGet, Path: "/pos"}:   func(w http.ResponseWriter, r *http.Request) {},
	}
	l := New()
	Inject(rt, l)
	r := chi.NewRouter()
	r.Use(l.Check)
	rt.RT().Bind(r)

	do := func(method, path, body string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/move", ""))
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/lock", `{"bool": true}`))
	assert.True(t, l.Locked())
	assert.Equal(t, http.StatusLocked, do(http.MethodPost, "/move", ""))
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/pos", ""))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/lock", nil))
	assert.JSONEq(t, `{"bool": true}`, w.Body.String())

	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/lock", `{"bool": false}`))
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/move", ""))
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, "/lock", `nope`))
}

func TestUnprotectedPaths(t *testing.T) {
	rt := table{
		{Method: http.MethodPost, Path: "/axis/{axis}/move"}: func(w http.ResponseWriter, r *http.Request) {},
		{Method: http.MethodPost, Path: "/axis/{axis}/stop"}: func(w http.ResponseWriter, r *http.Request) {},
	}
	l := New("/stop")
	Inject(rt, l)
	r := chi.NewRouter()
	r.Use(l.Check)
	rt.RT().Bind(r)
	l.Lock()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/axis/X/move", nil))
	assert.Equal(t, http.StatusLocked, w.Code)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/axis/X/stop", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

package motion

import (
	"net/http"

	"github.com/go-chi/chi"
	"github.com/plasmalab/probelab/generichttp"
)

// Stopper describes an interface with stop-related methods for axes
type Stopper interface {
	// Stop aborts motion of the axis
	Stop(string) error
}

// HTTPStop adds routes for the stopper to the route table
func HTTPStop(iface Stopper, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/stop"}] = Stop(iface)
}

// Stop returns an HTTP handler func from a stopper that aborts motion of an axis
func Stop(m Stopper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		err := m.Stop(axis)
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

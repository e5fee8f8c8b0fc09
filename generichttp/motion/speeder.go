package motion

import (
	"net/http"

	"github.com/go-chi/chi"
	"github.com/plasmalab/probelab/generichttp"
)

// Speeder describes an interface with velocity-related methods for axes
type Speeder interface {
	// SetVelocity sets the velocity setpoint on the axis
	SetVelocity(string, float64) error

	// GetVelocity gets the velocity setpoint on the axis
	GetVelocity(string) (float64, error)
}

// HTTPSpeed adds routes for the speeder to the route table
func HTTPSpeed(iface Speeder, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/velocity"}] = SetVelocity(iface)
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/velocity"}] = GetVelocity(iface)
}

// SetVelocity returns an HTTP handler func which sets the velocity setpoint on an axis
func SetVelocity(s Speeder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		generichttp.SetFloat(func(v float64) error { return s.SetVelocity(axis, v) })(w, r)
	}
}

// GetVelocity returns an HTTP handler func which gets the velocity setpoint on an axis
func GetVelocity(s Speeder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		generichttp.GetFloat(func() (float64, error) { return s.GetVelocity(axis) })(w, r)
	}
}

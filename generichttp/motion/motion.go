// Package motion provides an HTTP interface to motion controllers
package motion

import "github.com/plasmalab/probelab/generichttp"

// Controller is used for the HTTP interface, which will check if the concrete
// type satisfies the other interfaces in this package and inject their routes
// automatically
type Controller interface {
	// Mover - all Controllers must be Movers
	Mover
}

// HTTPMotionController wraps a motion controller with HTTP
type HTTPMotionController struct {
	Controller

	RouteTable generichttp.RouteTable
}

// NewHTTPMotionController returns a new HTTP wrapper with the route table pre-configured
func NewHTTPMotionController(c Controller) HTTPMotionController {
	w := HTTPMotionController{Controller: c}
	rt := generichttp.RouteTable{}
	HTTPMove(c, rt)
	if speeder, ok := interface{}(c).(Speeder); ok {
		HTTPSpeed(speeder, rt)
	}
	if stopper, ok := interface{}(c).(Stopper); ok {
		HTTPStop(stopper, rt)
	}
	if inpos, ok := interface{}(c).(InPositionQueryer); ok {
		HTTPInPosition(inpos, rt)
	}
	w.RouteTable = rt
	return w
}

// RT satisfies the HTTPer interface
func (h HTTPMotionController) RT() generichttp.RouteTable {
	return h.RouteTable
}

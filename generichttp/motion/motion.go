// Package motion provides an HTTP interface to motion controllers
package motion

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/sidetlab/tctserve/generichttp"
	"github.com/sidetlab/tctserve/server"

	"goji.io/pat"
)

// Mover describes an interface with position-related methods for axes
type Mover interface {
	// GetPos gets the current position of an axis
	GetPos(string) (float64, error)

	// MoveAbs moves an axis to an absolute position
	MoveAbs(string, float64) error

	// MoveRel moves an axis a relative amount
	MoveRel(string, float64) error

	// Home homes an axis
	Home(string) error
}

// Stopper describes an interface which can halt motion on an axis
type Stopper interface {
	// Stop halts motion on an axis
	Stop(string) error
}

// AllStopper describes an interface which can halt every axis at once
type AllStopper interface {
	// StopAll halts motion on all axes
	StopAll() error
}

// InPositionQueryer describes an interface which can report if an axis is
// settled at its commanded position
type InPositionQueryer interface {
	// GetInPosition returns true if the axis is not moving
	GetInPosition(string) (bool, error)
}

// Speeder describes an interface with velocity-related methods for axes
type Speeder interface {
	// SetVelocity sets the velocity setpoint on the axis
	SetVelocity(string, float64) error

	// GetVelocity gets the velocity setpoint on the axis
	GetVelocity(string) (float64, error)
}

// Controller is the minimum interface for the HTTP wrapper; the concrete type
// is probed for the other interfaces in this package and their routes are
// injected automatically.
type Controller interface {
	Mover
}

// HTTPMove adds routes for the mover to the route table
func HTTPMove(iface Mover, table server.RouteTable) {
	table[pat.Post("/axis/:axis/home")] = Home(iface)
	table[pat.Get("/axis/:axis/pos")] = GetPos(iface)
	table[pat.Post("/axis/:axis/pos")] = SetPos(iface)
}

// HTTPStop adds routes for the stopper to the route table
func HTTPStop(iface Stopper, table server.RouteTable) {
	table[pat.Post("/axis/:axis/stop")] = Stop(iface)
}

// HTTPStopAll adds a stage-wide stop route to the route table
func HTTPStopAll(iface AllStopper, table server.RouteTable) {
	table[pat.Post("/stop")] = StopAll(iface)
}

// HTTPInPosition adds routes for the in-position queryer to the route table
func HTTPInPosition(iface InPositionQueryer, table server.RouteTable) {
	table[pat.Get("/axis/:axis/inposition")] = GetInPosition(iface)
}

// HTTPSpeed adds routes for the speeder to the route table
func HTTPSpeed(iface Speeder, table server.RouteTable) {
	table[pat.Post("/axis/:axis/velocity")] = SetVelocity(iface)
	table[pat.Get("/axis/:axis/velocity")] = GetVelocity(iface)
}

// GetPos returns an HTTP handler func from a mover that gets the position of an axis
func GetPos(m Mover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := pat.Param(r, "axis")
		generichttp.GetFloat(func() (float64, error) { return m.GetPos(axis) })(w, r)
	}
}

func popAxisRelative(r *http.Request) (string, bool, error) {
	axis := pat.Param(r, "axis")
	relative := r.URL.Query().Get("relative")
	if relative == "" {
		relative = "false"
	}
	b, err := strconv.ParseBool(relative)
	return axis, b, err
}

// SetPos returns an HTTP handler func from a mover that triggers an absolute
// or relative move on an axis based on the relative query parameter
func SetPos(m Mover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis, rel, err := popAxisRelative(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f := server.FloatT{}
		err = json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if rel {
			err = m.MoveRel(axis, f.F64)
		} else {
			err = m.MoveAbs(axis, f.F64)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Home returns an HTTP handler func from a mover that homes an axis
func Home(m Mover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := pat.Param(r, "axis")
		err := m.Home(axis)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Stop returns an HTTP handler func from a stopper that halts an axis
func Stop(s Stopper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := pat.Param(r, "axis")
		err := s.Stop(axis)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// StopAll returns an HTTP handler func from an all-stopper that halts every axis
func StopAll(s AllStopper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.StopAll(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetInPosition returns an HTTP handler func that reports if an axis is settled
func GetInPosition(q InPositionQueryer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := pat.Param(r, "axis")
		generichttp.GetBool(func() (bool, error) { return q.GetInPosition(axis) })(w, r)
	}
}

// SetVelocity returns an HTTP handler func which sets the velocity setpoint on an axis
func SetVelocity(s Speeder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := pat.Param(r, "axis")
		generichttp.SetFloat(func(v float64) error { return s.SetVelocity(axis, v) })(w, r)
	}
}

// GetVelocity returns an HTTP handler func which gets the velocity setpoint on an axis
func GetVelocity(s Speeder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := pat.Param(r, "axis")
		generichttp.GetFloat(func() (float64, error) { return s.GetVelocity(axis) })(w, r)
	}
}

// HTTPMotionController wraps a motion controller with HTTP
type HTTPMotionController struct {
	Controller

	RouteTable server.RouteTable
}

// NewHTTPMotionController returns a new HTTP wrapper with the route table
// pre-configured for every interface the controller satisfies
func NewHTTPMotionController(c Controller) HTTPMotionController {
	w := HTTPMotionController{Controller: c}
	rt := server.RouteTable{}
	HTTPMove(c, rt)
	if stopper, ok := interface{}(c).(Stopper); ok {
		HTTPStop(stopper, rt)
	}
	if all, ok := interface{}(c).(AllStopper); ok {
		HTTPStopAll(all, rt)
	}
	if queryer, ok := interface{}(c).(InPositionQueryer); ok {
		HTTPInPosition(queryer, rt)
	}
	if speeder, ok := interface{}(c).(Speeder); ok {
		HTTPSpeed(speeder, rt)
	}
	w.RouteTable = rt
	return w
}

// RT satisfies the HTTPer interface
func (h HTTPMotionController) RT() server.RouteTable {
	return h.RouteTable
}

var _ server.HTTPer = HTTPMotionController{}

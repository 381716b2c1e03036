// Package tmc provides an HTTP interface to test and measurement equipment
package tmc

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"
	"time"

	"github.com/sidetlab/tctserve/generichttp"
	"github.com/sidetlab/tctserve/oscilloscope"
	"github.com/sidetlab/tctserve/server"

	"goji.io/pat"
)

// Oscilloscope describes the interface of a digital scope
type Oscilloscope interface {
	// Identify returns the identity string of the instrument
	Identify() (string, error)

	// SetScale and GetScale control the vertical scale of a channel, V/div
	SetScale(string, float64) error
	GetScale(string) (float64, error)

	// SetOffset and GetOffset control the vertical offset of a channel, V
	SetOffset(string, float64) error
	GetOffset(string) (float64, error)

	// SetCoupling and GetCoupling control the input coupling of a channel
	SetCoupling(string, string) error
	GetCoupling(string) (string, error)

	// SetBandwidthLimit and GetBandwidthLimit control the bandwidth limit
	// of a channel, Hz; zero is full bandwidth
	SetBandwidthLimit(string, float64) error
	GetBandwidthLimit(string) (float64, error)

	// SetChannelEnabled and GetChannelEnabled control acquisition of a channel
	SetChannelEnabled(string, bool) error
	GetChannelEnabled(string) (bool, error)

	// trigger controls: edge source channel, level in volts, slope
	SetTriggerSource(string) error
	GetTriggerSource() (string, error)
	SetTriggerLevel(float64) error
	GetTriggerLevel() (float64, error)
	SetTriggerSlope(string) error
	GetTriggerSlope() (string, error)

	// timebase controls: horizontal scale in s/div and position in percent
	SetTimebase(float64) error
	GetTimebase() (float64, error)
	SetTimebasePosition(float64) error
	GetTimebasePosition() (float64, error)

	// AutoSet runs the scope's automatic setup routine
	AutoSet() error

	// AcquireWaveform transfers the current record for the given channels
	AcquireWaveform([]string) (oscilloscope.Waveform, error)
}

// ErrorQueuer can drain an instrument's error queue.  Mocks do not keep one,
// so the route is only injected when the concrete type supports it.
type ErrorQueuer interface {
	AllErrorsString() (string, error)
}

// HTTPOscilloscope wraps an Oscilloscope with an HTTP route table
type HTTPOscilloscope struct {
	O Oscilloscope

	RouteTable server.RouteTable
}

// NewHTTPOscilloscope returns a new HTTP wrapper around o with the full
// route table populated
func NewHTTPOscilloscope(o Oscilloscope) HTTPOscilloscope {
	w := HTTPOscilloscope{O: o}
	rt := server.RouteTable{
		pat.Get("/id"): Identify(o),

		pat.Get("/chan/:chan/scale"):      GetScale(o),
		pat.Post("/chan/:chan/scale"):     SetScale(o),
		pat.Get("/chan/:chan/offset"):     GetOffset(o),
		pat.Post("/chan/:chan/offset"):    SetOffset(o),
		pat.Get("/chan/:chan/coupling"):   GetCoupling(o),
		pat.Post("/chan/:chan/coupling"):  SetCoupling(o),
		pat.Get("/chan/:chan/bandwidth"):  GetBandwidthLimit(o),
		pat.Post("/chan/:chan/bandwidth"): SetBandwidthLimit(o),
		pat.Get("/chan/:chan/enabled"):    GetChannelEnabled(o),
		pat.Post("/chan/:chan/enabled"):   SetChannelEnabled(o),

		pat.Get("/trigger/source"):  generichttp.GetString(o.GetTriggerSource),
		pat.Post("/trigger/source"): generichttp.SetString(o.SetTriggerSource),
		pat.Get("/trigger/level"):   generichttp.GetFloat(o.GetTriggerLevel),
		pat.Post("/trigger/level"):  generichttp.SetFloat(o.SetTriggerLevel),
		pat.Get("/trigger/slope"):   generichttp.GetString(o.GetTriggerSlope),
		pat.Post("/trigger/slope"):  generichttp.SetString(o.SetTriggerSlope),

		pat.Get("/timebase"):           generichttp.GetFloat(o.GetTimebase),
		pat.Post("/timebase"):          generichttp.SetFloat(o.SetTimebase),
		pat.Get("/timebase/position"):  generichttp.GetFloat(o.GetTimebasePosition),
		pat.Post("/timebase/position"): generichttp.SetFloat(o.SetTimebasePosition),

		pat.Post("/autoset"): AutoSet(o),
		pat.Get("/acquire"):  Acquire(o),
	}
	if eq, ok := o.(ErrorQueuer); ok {
		rt[pat.Get("/errors")] = Errors(eq)
	}
	w.RouteTable = rt
	return w
}

// RT satisfies the HTTPer interface
func (h HTTPOscilloscope) RT() server.RouteTable {
	return h.RouteTable
}

// Identify returns an HTTP handler func which returns the scope's identity
func Identify(o Oscilloscope) http.HandlerFunc {
	return generichttp.GetString(o.Identify)
}

// GetScale returns an HTTP handler func which gets the scale of a channel
func GetScale(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch := pat.Param(r, "chan")
		generichttp.GetFloat(func() (float64, error) { return o.GetScale(ch) })(w, r)
	}
}

// SetScale returns an HTTP handler func which sets the scale of a channel
func SetScale(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch := pat.Param(r, "chan")
		generichttp.SetFloat(func(v float64) error { return o.SetScale(ch, v) })(w, r)
	}
}

// GetOffset returns an HTTP handler func which gets the offset of a channel
func GetOffset(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch := pat.Param(r, "chan")
		generichttp.GetFloat(func() (float64, error) { return o.GetOffset(ch) })(w, r)
	}
}

// SetOffset returns an HTTP handler func which sets the offset of a channel
func SetOffset(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch := pat.Param(r, "chan")
		generichttp.SetFloat(func(v float64) error { return o.SetOffset(ch, v) })(w, r)
	}
}

// GetCoupling returns an HTTP handler func which gets the coupling of a channel
func GetCoupling(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch := pat.Param(r, "chan")
		generichttp.GetString(func() (string, error) { return o.GetCoupling(ch) })(w, r)
	}
}

// SetCoupling returns an HTTP handler func which sets the coupling of a channel
func SetCoupling(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch := pat.Param(r, "chan")
		generichttp.SetString(func(s string) error { return o.SetCoupling(ch, s) })(w, r)
	}
}

// GetBandwidthLimit returns an HTTP handler func which gets the bandwidth
// limit of a channel
func GetBandwidthLimit(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch := pat.Param(r, "chan")
		generichttp.GetFloat(func() (float64, error) { return o.GetBandwidthLimit(ch) })(w, r)
	}
}

// SetBandwidthLimit returns an HTTP handler func which sets the bandwidth
// limit of a channel
func SetBandwidthLimit(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch := pat.Param(r, "chan")
		generichttp.SetFloat(func(v float64) error { return o.SetBandwidthLimit(ch, v) })(w, r)
	}
}

// GetChannelEnabled returns an HTTP handler func which reports if a channel
// is acquiring
func GetChannelEnabled(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch := pat.Param(r, "chan")
		generichttp.GetBool(func() (bool, error) { return o.GetChannelEnabled(ch) })(w, r)
	}
}

// SetChannelEnabled returns an HTTP handler func which enables or disables
// a channel
func SetChannelEnabled(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch := pat.Param(r, "chan")
		generichttp.SetBool(func(b bool) error { return o.SetChannelEnabled(ch, b) })(w, r)
	}
}

// Errors returns an HTTP handler func which drains the error queue and
// returns the joined messages; an empty string means a clean queue
func Errors(eq ErrorQueuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		str, _ := eq.AllErrorsString()
		hp := server.HumanPayload{T: types.String, String: str}
		hp.EncodeAndRespond(w, r)
	}
}

// AutoSet returns an HTTP handler func which triggers the autoset routine
func AutoSet(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := o.AutoSet(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// waveformJSON is the acquisition response body with samples in volts
type waveformJSON struct {
	T0       float64              `json:"t0"`
	DT       float64              `json:"dt"`
	Acquired time.Time            `json:"acquired"`
	Channels map[string][]float64 `json:"channels"`
}

// Acquire returns an HTTP handler func which transfers a waveform.  Channels
// come from the ch query parameter, comma separated; fmt=csv selects CSV
// output instead of JSON.
func Acquire(o Oscilloscope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chans := strings.Split(r.URL.Query().Get("ch"), ",")
		if len(chans) == 1 && chans[0] == "" {
			chans = []string{"1"}
		}
		wf, err := o.AcquireWaveform(chans)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if strings.EqualFold(r.URL.Query().Get("fmt"), "csv") {
			w.Header().Set("Content-Type", "text/csv")
			if err := wf.EncodeCSV(w); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		out := waveformJSON{
			T0:       wf.T0,
			DT:       wf.DT,
			Acquired: wf.Acquired,
			Channels: make(map[string][]float64, len(wf.Channels)),
		}
		for label, ch := range wf.Channels {
			out.Channels[label] = ch.Physical()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

var _ server.HTTPer = HTTPOscilloscope{}

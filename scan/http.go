package scan

import (
	"encoding/json"
	"net/http"

	"github.com/sidetlab/tctserve/server"

	"goji.io/pat"
)

// HTTPSequencer wraps a Sequencer with an HTTP route table
type HTTPSequencer struct {
	S *Sequencer

	RouteTable server.RouteTable
}

// NewHTTPSequencer returns a new HTTP wrapper around s
func NewHTTPSequencer(s *Sequencer) HTTPSequencer {
	w := HTTPSequencer{S: s}
	w.RouteTable = server.RouteTable{
		pat.Post("/start"):   w.Start,
		pat.Post("/stop"):    w.Stop,
		pat.Get("/status"):   w.Status,
		pat.Get("/config"):   w.GetConfig,
		pat.Post("/config"):  w.SetConfig,
		pat.Post("/acquire"): w.AcquireOnce,
	}
	return w
}

// RT satisfies the HTTPer interface
func (h HTTPSequencer) RT() server.RouteTable {
	return h.RouteTable
}

// Start begins a scan with the stored settings
func (h HTTPSequencer) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.S.Start(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Stop requests cancellation of the running scan
func (h HTTPSequencer) Stop(w http.ResponseWriter, r *http.Request) {
	h.S.Stop()
	w.WriteHeader(http.StatusOK)
}

// Status returns the sequencer snapshot as JSON
func (h HTTPSequencer) Status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.S.Status()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetConfig returns the scan settings as JSON
func (h HTTPSequencer) GetConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.S.Settings()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// SetConfig replaces the scan settings from a JSON body
func (h HTTPSequencer) SetConfig(w http.ResponseWriter, r *http.Request) {
	var set Settings
	err := json.NewDecoder(r.Body).Decode(&set)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.S.SetSettings(set); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// AcquireOnce performs a single acquisition at the current position
func (h HTTPSequencer) AcquireOnce(w http.ResponseWriter, r *http.Request) {
	if err := h.S.AcquireOnce(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

var _ server.HTTPer = HTTPSequencer{}

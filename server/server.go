// Package server contains the route table and payload types shared by the
// HTTP wrappers for each device.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"strings"

	"github.com/go-chi/chi"
	"goji.io"
	"goji.io/pat"
)

// RouteTable maps goji patterns to handler funcs.  It is the unit of
// composition for device HTTP interfaces; injectors add routes to it and
// Bind attaches the whole table to a chi router.
type RouteTable map[*pat.Pattern]http.HandlerFunc

// Endpoints returns the pattern strings in the table.
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for p := range rt {
		routes = append(routes, p.String())
	}
	return routes
}

// Bind attaches every route in the table to r through a goji mux, which does
// the pattern matching (chi's syntax cannot express goji's :params).
func (rt RouteTable) Bind(r chi.Router) {
	mux := goji.NewMux()
	for p, h := range rt {
		mux.Handle(p, h)
	}
	r.Handle("/*", mux)
}

// HTTPer is a type which can yield its route table for binding to a server.
type HTTPer interface {
	RT() RouteTable
}

// SubMuxSanitize prepares a config URL for mounting, "stage" => "/stage"
func SubMuxSanitize(s string) string {
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	return strings.TrimSuffix(s, "/*")
}

// FloatT is a struct with a single float64 field, used for json I/O
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single int field, used for json I/O
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single string field, used for json I/O
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a struct with a single bool field, used for json I/O
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload is a struct containing the basic types web servers know how to
// work with.  Only one field is populated, indicated by T.
type HumanPayload struct {
	// Bool holds a boolean
	Bool bool

	// Int holds an int
	Int int

	// Float holds a float64
	Float float64

	// String holds a string
	String string

	// T is the type of the populated field
	T types.BasicKind
}

// EncodeAndRespond writes the payload to w as JSON with the appropriate
// single-key object, e.g. {"f64": 3.14}.
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var (
		obj interface{}
		err error
	)
	switch hp.T {
	case types.Bool:
		obj = BoolT{Bool: hp.Bool}
	case types.Int:
		obj = IntT{Int: hp.Int}
	case types.Float64:
		obj = FloatT{F64: hp.Float}
	case types.String:
		obj = StrT{Str: hp.String}
	default:
		http.Error(w, fmt.Sprintf("payload type %v not encodable", hp.T), http.StatusInternalServerError)
		return
	}
	err = json.NewEncoder(w).Encode(obj)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

package motion

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sidetlab/tctserve/server"
	"github.com/sidetlab/tctserve/util"

	"goji.io/pat"
)

func defaultFalse(s string) string {
	if s == "" {
		return "false"
	}
	return s
}

var errClamped = errors.New("requested position violates software limits, aborted")

// LimitMiddleware imposes axis-specific software limits on motion.  Requests
// that would command a position outside the limit are rejected with
// StatusBadRequest before reaching the controller.
type LimitMiddleware struct {
	// Limits maps axis labels to their permitted ranges
	Limits map[string]util.Limiter

	// Mov is a reference to the mover, used to resolve relative moves
	Mov Mover
}

// Check verifies if a motion would violate the axis limit, if one exists,
// and either rejects the request or flows control to the next handler
func (l *LimitMiddleware) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// only position commands carry a target to vet.  This runs before
		// goji's pattern matching, so the axis comes from the raw path.
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if r.Method != http.MethodPost || len(parts) != 3 || parts[0] != "axis" || parts[2] != "pos" {
			next.ServeHTTP(w, r)
			return
		}
		axis := parts[1]
		limiter, ok := l.Limits[axis]
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		relative, err := strconv.ParseBool(defaultFalse(r.URL.Query().Get("relative")))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// downstream handlers want the body too; read it all and paste it back
		bodyContent, _ := io.ReadAll(r.Body)
		defer r.Body.Close()
		r.Body = io.NopCloser(bytes.NewBuffer(bodyContent))
		f := server.FloatT{}
		err = json.NewDecoder(bytes.NewReader(bodyContent)).Decode(&f)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cmd := f.F64
		if relative {
			currPos, err := l.Mov.GetPos(axis)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			cmd += currPos
		}
		if !limiter.Check(cmd) {
			http.Error(w, errClamped.Error(), http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Inject places a /axis/:axis/limits route on the table of the HTTPer
func (l LimitMiddleware) Inject(h server.HTTPer) {
	h.RT()[pat.Get("/axis/:axis/limits")] = Limits(l)
}

// Limits returns an HTTP handler func that returns the limits for an axis
func Limits(l LimitMiddleware) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := pat.Param(r, "axis")
		lim, ok := l.Limits[axis]
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		var err error
		if !ok {
			err = json.NewEncoder(w).Encode(nil)
		} else {
			err = json.NewEncoder(w).Encode(lim)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

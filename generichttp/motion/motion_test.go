package motion

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sidetlab/tctserve/server"
	"github.com/sidetlab/tctserve/util"

	"github.com/go-chi/chi"
)

// mockMover satisfies every motion interface in this package.
type mockMover struct {
	mu         sync.Mutex
	pos        map[string]float64
	vel        map[string]float64
	allStopped bool
}

func newMockMover() *mockMover {
	return &mockMover{pos: map[string]float64{}, vel: map[string]float64{}}
}

func (m *mockMover) GetPos(axis string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos[axis], nil
}

func (m *mockMover) MoveAbs(axis string, p float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos[axis] = p
	return nil
}

func (m *mockMover) MoveRel(axis string, p float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos[axis] += p
	return nil
}

func (m *mockMover) Home(axis string) error { return m.MoveAbs(axis, 0) }
func (m *mockMover) Stop(axis string) error { return nil }

func (m *mockMover) StopAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allStopped = true
	return nil
}

func (m *mockMover) GetInPosition(axis string) (bool, error) { return true, nil }

func (m *mockMover) SetVelocity(axis string, v float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vel[axis] = v
	return nil
}

func (m *mockMover) GetVelocity(axis string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vel[axis], nil
}

func newServer(t *testing.T, mov *mockMover, limits map[string]util.Limiter) *httptest.Server {
	t.Helper()
	httper := NewHTTPMotionController(mov)
	r := chi.NewRouter()
	if limits != nil {
		lim := LimitMiddleware{Limits: limits, Mov: mov}
		r.Use(lim.Check)
		lim.Inject(httper)
	}
	httper.RT().Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func postF64(t *testing.T, url string, v float64) *http.Response {
	t.Helper()
	body, _ := json.Marshal(server.FloatT{F64: v})
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func getF64(t *testing.T, url string) float64 {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s returned %d", url, resp.StatusCode)
	}
	var f server.FloatT
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		t.Fatal(err)
	}
	return f.F64
}

func TestAbsoluteMoveRoundTrip(t *testing.T) {
	mov := newMockMover()
	srv := newServer(t, mov, nil)
	resp := postF64(t, srv.URL+"/axis/X/pos", 5)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("move returned %d", resp.StatusCode)
	}
	if got := getF64(t, srv.URL+"/axis/X/pos"); got != 5 {
		t.Errorf("position = %v, want 5", got)
	}
}

func TestRelativeMove(t *testing.T) {
	mov := newMockMover()
	mov.pos["Y"] = 2
	srv := newServer(t, mov, nil)
	resp := postF64(t, srv.URL+"/axis/Y/pos?relative=true", 3)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("move returned %d", resp.StatusCode)
	}
	if mov.pos["Y"] != 5 {
		t.Errorf("position = %v, want 5", mov.pos["Y"])
	}
}

func TestVelocityRoutesInjected(t *testing.T) {
	mov := newMockMover()
	srv := newServer(t, mov, nil)
	resp := postF64(t, srv.URL+"/axis/Z/velocity", 1000)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set velocity returned %d", resp.StatusCode)
	}
	if got := getF64(t, srv.URL+"/axis/Z/velocity"); got != 1000 {
		t.Errorf("velocity = %v, want 1000", got)
	}
}

func TestStopAllRoute(t *testing.T) {
	mov := newMockMover()
	srv := newServer(t, mov, nil)
	resp, err := http.Post(srv.URL+"/stop", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stage-wide stop returned %d", resp.StatusCode)
	}
	if !mov.allStopped {
		t.Error("stage-wide stop route did not reach the controller")
	}
}

func TestLimitMiddlewareRejectsOutOfRange(t *testing.T) {
	mov := newMockMover()
	limits := map[string]util.Limiter{"X": {Min: -10, Max: 10}}
	srv := newServer(t, mov, limits)
	resp := postF64(t, srv.URL+"/axis/X/pos", 50)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("out-of-range move returned %d, want 400", resp.StatusCode)
	}
	if mov.pos["X"] != 0 {
		t.Errorf("rejected move still reached the controller: pos = %v", mov.pos["X"])
	}
	resp = postF64(t, srv.URL+"/axis/X/pos", 5)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("in-range move returned %d", resp.StatusCode)
	}
}

func TestLimitMiddlewareResolvesRelativeMoves(t *testing.T) {
	mov := newMockMover()
	mov.pos["X"] = 8
	limits := map[string]util.Limiter{"X": {Min: -10, Max: 10}}
	srv := newServer(t, mov, limits)
	resp := postF64(t, srv.URL+"/axis/X/pos?relative=true", 5)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("relative move past the limit returned %d, want 400", resp.StatusCode)
	}
	resp = postF64(t, srv.URL+"/axis/X/pos?relative=true", 1)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("relative move inside the limit returned %d", resp.StatusCode)
	}
}

func TestLimitsRoute(t *testing.T) {
	mov := newMockMover()
	limits := map[string]util.Limiter{"Y": {Min: 0, Max: 25}}
	srv := newServer(t, mov, limits)
	resp, err := http.Get(srv.URL + "/axis/Y/limits")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var lim util.Limiter
	if err := json.NewDecoder(resp.Body).Decode(&lim); err != nil {
		t.Fatal(err)
	}
	if lim.Min != 0 || lim.Max != 25 {
		t.Errorf("limits = %+v, want {0 25}", lim)
	}
}

func TestEndpointsListed(t *testing.T) {
	httper := NewHTTPMotionController(newMockMover())
	eps := httper.RT().Endpoints()
	want := []string{"/axis/:axis/pos", "/axis/:axis/home", "/axis/:axis/stop"}
	for _, w := range want {
		found := false
		for _, e := range eps {
			if e == w {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("route %s missing from endpoints %v", w, eps)
		}
	}
}

package scan

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sidetlab/tctserve/oscilloscope"
	"github.com/sidetlab/tctserve/standa"
	"github.com/sidetlab/tctserve/tektronix"
)

// failingStage wraps the mock stage and fails the nth move.
type failingStage struct {
	mu     sync.Mutex
	inner  *standa.Mock
	moves  int
	failAt int // 1-based move number to fail on, 0 = never
}

func (f *failingStage) MoveRel(axis string, delta float64) error {
	f.mu.Lock()
	f.moves++
	fail := f.failAt > 0 && f.moves == f.failAt
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("axis jammed")
	}
	return f.inner.MoveRel(axis, delta)
}

func (f *failingStage) Position() (standa.Position, error) {
	return f.inner.Position()
}

func (f *failingStage) LastPosition() standa.Position {
	return f.inner.LastPosition()
}

func settings(t *testing.T, steps int) Settings {
	t.Helper()
	return Settings{
		Axis:      "Y",
		StepSize:  500, // µm
		Steps:     steps,
		Channels:  []string{"1"},
		OutputDir: t.TempDir(),
	}
}

func TestScanCompletesAllCycles(t *testing.T) {
	stage := standa.NewMock()
	seq := New(stage, tektronix.NewMock())
	set := settings(t, 3)
	if err := seq.SetSettings(set); err != nil {
		t.Fatal(err)
	}
	if err := seq.Start(); err != nil {
		t.Fatal(err)
	}
	seq.Wait()
	st := seq.Status()
	if st.State != Stopped || st.Reason != ReasonComplete {
		t.Errorf("state = %s/%s, want stopped/complete", st.State, st.Reason)
	}
	if st.Completed != 3 {
		t.Errorf("completed = %d, want 3", st.Completed)
	}
	// 500 µm per cycle, three cycles
	if y := stage.LastPosition().Y; y != 1.5 {
		t.Errorf("final Y = %v mm, want 1.5", y)
	}
	files, err := os.ReadDir(set.OutputDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 {
		t.Fatalf("wrote %d files, want 3", len(files))
	}
	for _, f := range files {
		if !strings.HasPrefix(f.Name(), "waveform_x") || !strings.HasSuffix(f.Name(), "_ch1.csv") {
			t.Errorf("unexpected file name %q", f.Name())
		}
	}
}

func TestScanFailureLeavesCounterAtLastSuccess(t *testing.T) {
	stage := &failingStage{inner: standa.NewMock(), failAt: 3}
	seq := New(stage, tektronix.NewMock())
	if err := seq.SetSettings(settings(t, 5)); err != nil {
		t.Fatal(err)
	}
	if err := seq.Start(); err != nil {
		t.Fatal(err)
	}
	seq.Wait()
	st := seq.Status()
	if st.Reason != ReasonError {
		t.Errorf("reason = %s, want error", st.Reason)
	}
	if st.Completed != 2 {
		t.Errorf("completed = %d, want 2", st.Completed)
	}
	if !strings.Contains(st.Error, "jammed") {
		t.Errorf("error %q should carry the cause", st.Error)
	}
}

func TestUserStop(t *testing.T) {
	seq := New(standa.NewMock(), tektronix.NewMock())
	set := settings(t, 1000)
	set.Delay = 0.02
	if err := seq.SetSettings(set); err != nil {
		t.Fatal(err)
	}
	if err := seq.Start(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	seq.Stop()
	seq.Wait()
	st := seq.Status()
	if st.Reason != ReasonUser {
		t.Errorf("reason = %s, want user", st.Reason)
	}
	if st.Completed == 0 || st.Completed == 1000 {
		t.Errorf("completed = %d, want partial progress", st.Completed)
	}
}

func TestStartWhileRunningRejected(t *testing.T) {
	seq := New(standa.NewMock(), tektronix.NewMock())
	set := settings(t, 1000)
	set.Delay = 0.05
	if err := seq.SetSettings(set); err != nil {
		t.Fatal(err)
	}
	if err := seq.Start(); err != nil {
		t.Fatal(err)
	}
	if err := seq.Start(); err == nil {
		t.Error("second start should be rejected")
	}
	seq.Stop()
	seq.Wait()
}

func TestStopWhileIdleIsNoop(t *testing.T) {
	seq := New(standa.NewMock(), tektronix.NewMock())
	seq.Stop()
	seq.Wait()
	if st := seq.Status(); st.State != Idle {
		t.Errorf("state = %s, want idle", st.State)
	}
}

func TestStartGuards(t *testing.T) {
	seq := New(standa.NewMock(), tektronix.NewMock())
	bad := []Settings{
		{Axis: "Y", StepSize: 1, Steps: 3, Channels: []string{"1"}}, // no dir
		{Axis: "Y", StepSize: 1, Steps: 0, Channels: []string{"1"}, OutputDir: t.TempDir()},
		{Axis: "W", StepSize: 1, Steps: 3, Channels: []string{"1"}, OutputDir: t.TempDir()},
		{Axis: "Y", StepSize: 1, Steps: 3, OutputDir: t.TempDir()}, // no channels
	}
	for i, set := range bad {
		if err := seq.SetSettings(set); err != nil {
			t.Fatal(err)
		}
		if err := seq.Start(); err == nil {
			seq.Stop()
			seq.Wait()
			t.Errorf("case %d: start should have been rejected", i)
		}
	}
}

func TestSettingsChangeRejectedWhileRunning(t *testing.T) {
	seq := New(standa.NewMock(), tektronix.NewMock())
	set := settings(t, 1000)
	set.Delay = 0.05
	if err := seq.SetSettings(set); err != nil {
		t.Fatal(err)
	}
	if err := seq.Start(); err != nil {
		t.Fatal(err)
	}
	if err := seq.SetSettings(set); err == nil {
		t.Error("settings change should be rejected while running")
	}
	seq.Stop()
	seq.Wait()
}

func TestFilename(t *testing.T) {
	pos := standa.Position{X: 10, Y: 1.25, Z: 0.5}
	when := time.Date(2024, 5, 17, 10, 30, 0, 0, time.UTC)
	got := Filename(pos, when, "2")
	want := "waveform_x10_y1.250_z0.500_20240517_103000_ch2.csv"
	if got != want {
		t.Errorf("Filename = %q, want %q", got, want)
	}
}

func TestAcquireOnceWritesFiles(t *testing.T) {
	seq := New(standa.NewMock(), tektronix.NewMock())
	set := settings(t, 1)
	set.Channels = []string{"1", "2"}
	if err := seq.SetSettings(set); err != nil {
		t.Fatal(err)
	}
	if err := seq.AcquireOnce(); err != nil {
		t.Fatal(err)
	}
	matches, err := filepath.Glob(filepath.Join(set.OutputDir, "waveform_*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Errorf("wrote %d files, want 2", len(matches))
	}
}

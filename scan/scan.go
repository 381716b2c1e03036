/*Package scan runs move-and-acquire sequences over a stage and scope pair.

One cycle steps the selected axis, waits for it to settle, pulls the current
record from the scope, and writes one CSV per enabled channel.  The sequencer
runs a fixed number of cycles and keeps a counter of completed cycles; any
failure ends the sequence immediately with the counter at its last good
value.
*/
package scan

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sidetlab/tctserve/oscilloscope"
	"github.com/sidetlab/tctserve/standa"
)

// State describes what the sequencer is doing right now.
type State string

// sequencer states
const (
	Idle      State = "idle"
	Moving    State = "moving"
	Acquiring State = "acquiring"
	Stopped   State = "stopped"
)

// StopReason describes why a sequence ended.
type StopReason string

// stop reasons
const (
	ReasonNone     StopReason = ""
	ReasonComplete StopReason = "complete"
	ReasonUser     StopReason = "user"
	ReasonError    StopReason = "error"
)

// timestampFormat is the clock portion of output file names
const timestampFormat = "20060102_150405"

// Stage is the motion interface the sequencer drives.
type Stage interface {
	MoveRel(axis string, delta float64) error
	Position() (standa.Position, error)
}

// Scope is the acquisition interface the sequencer drives.
type Scope interface {
	AcquireWaveform(channels []string) (oscilloscope.Waveform, error)
}

// Settings configures a sequence.  StepSize is in raw steps on X and in µm
// on Y and Z.
type Settings struct {
	Axis      string   `json:"axis" yaml:"axis"`
	StepSize  float64  `json:"step_size" yaml:"step_size"`
	Steps     int      `json:"steps" yaml:"steps"`
	Delay     float64  `json:"delay" yaml:"delay"`
	Channels  []string `json:"channels" yaml:"channels"`
	OutputDir string   `json:"output_dir" yaml:"output_dir"`
}

func (s Settings) validate() error {
	switch s.Axis {
	case "X", "x", "Y", "y", "Z", "z":
	default:
		return fmt.Errorf("scan: axis must be X, Y, or Z, got %q", s.Axis)
	}
	if s.Steps < 1 {
		return fmt.Errorf("scan: steps must be >= 1, got %d", s.Steps)
	}
	if len(s.Channels) == 0 {
		return fmt.Errorf("scan: no channels enabled")
	}
	if s.OutputDir == "" {
		return fmt.Errorf("scan: output directory not set")
	}
	return nil
}

// delta returns the per-cycle move in the axis's native unit.
func (s Settings) delta() float64 {
	switch s.Axis {
	case "X", "x":
		return s.StepSize
	default:
		return s.StepSize / 1000 // µm -> mm
	}
}

// Status is a snapshot of the sequencer.
type Status struct {
	State     State           `json:"state"`
	Reason    StopReason      `json:"reason,omitempty"`
	Completed int             `json:"completed"`
	Total     int             `json:"total"`
	Error     string          `json:"error,omitempty"`
	Position  standa.Position `json:"position"`
}

// Sequencer coordinates the stage and scope through a scan.
type Sequencer struct {
	mu        sync.Mutex
	stage     Stage
	scope     Scope
	settings  Settings
	state     State
	reason    StopReason
	lastErr   error
	completed int
	cancel    context.CancelFunc
	done      chan struct{}
}

// New returns an idle Sequencer over the given devices.
func New(stage Stage, scope Scope) *Sequencer {
	return &Sequencer{stage: stage, scope: scope, state: Idle}
}

// Settings returns the current scan configuration.
func (s *Sequencer) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// SetSettings replaces the scan configuration.  It fails while a scan is
// running.
func (s *Sequencer) SetSettings(set Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running() {
		return fmt.Errorf("scan: cannot change settings while a scan is running")
	}
	s.settings = set
	return nil
}

// running must be called with the lock held.
func (s *Sequencer) running() bool {
	return s.state == Moving || s.state == Acquiring
}

// Status returns a snapshot of the sequencer.  The position is the stage's
// cached value when available.
func (s *Sequencer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:     s.state,
		Reason:    s.reason,
		Completed: s.completed,
		Total:     s.settings.Steps,
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	if lp, ok := s.stage.(interface{ LastPosition() standa.Position }); ok {
		st.Position = lp.LastPosition()
	}
	return st
}

// Start begins a scan with the current settings.  It returns immediately;
// progress is observed through Status.
func (s *Sequencer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running() {
		return fmt.Errorf("scan: already running")
	}
	if s.stage == nil || s.scope == nil {
		return fmt.Errorf("scan: stage and scope must both be connected")
	}
	if err := s.settings.validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.settings.OutputDir, 0o755); err != nil {
		return fmt.Errorf("scan: output directory: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = Moving
	s.reason = ReasonNone
	s.lastErr = nil
	s.completed = 0
	go s.run(ctx, s.settings)
	return nil
}

// Stop requests cancellation of a running scan.  Stopping an idle sequencer
// is a no-op.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	running := s.running()
	s.mu.Unlock()
	if running && cancel != nil {
		cancel()
	}
}

// Wait blocks until the current scan finishes.  It returns immediately if
// nothing is running.
func (s *Sequencer) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Sequencer) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Sequencer) finish(reason StopReason, err error) {
	s.mu.Lock()
	s.state = Stopped
	s.reason = reason
	s.lastErr = err
	done := s.done
	s.done = nil
	s.cancel = nil
	completed := s.completed
	s.mu.Unlock()
	if err != nil {
		log.Printf("scan stopped after %d cycles: %v", completed, err)
	} else {
		log.Printf("scan stopped (%s) after %d cycles", reason, completed)
	}
	close(done)
}

func (s *Sequencer) run(ctx context.Context, set Settings) {
	delay := time.Duration(set.Delay * float64(time.Second))
	for i := 0; i < set.Steps; i++ {
		select {
		case <-ctx.Done():
			s.finish(ReasonUser, nil)
			return
		default:
		}
		s.setState(Moving)
		if err := s.stage.MoveRel(set.Axis, set.delta()); err != nil {
			s.finish(ReasonError, err)
			return
		}
		pos, err := s.stage.Position()
		if err != nil {
			s.finish(ReasonError, err)
			return
		}
		s.setState(Acquiring)
		wf, err := s.scope.AcquireWaveform(set.Channels)
		if err != nil {
			s.finish(ReasonError, err)
			return
		}
		if err := WriteWaveform(set.OutputDir, pos, wf); err != nil {
			s.finish(ReasonError, err)
			return
		}
		s.mu.Lock()
		s.completed = i + 1
		s.mu.Unlock()
		if delay > 0 && i < set.Steps-1 {
			select {
			case <-ctx.Done():
				s.finish(ReasonUser, nil)
				return
			case <-time.After(delay):
			}
		}
	}
	s.finish(ReasonComplete, nil)
}

// AcquireOnce performs one acquisition at the current position and writes
// the CSVs, outside of any scan.
func (s *Sequencer) AcquireOnce() error {
	s.mu.Lock()
	if s.running() {
		s.mu.Unlock()
		return fmt.Errorf("scan: cannot acquire while a scan is running")
	}
	set := s.settings
	s.mu.Unlock()
	if len(set.Channels) == 0 {
		set.Channels = []string{"1"}
	}
	if set.OutputDir == "" {
		return fmt.Errorf("scan: output directory not set")
	}
	if err := os.MkdirAll(set.OutputDir, 0o755); err != nil {
		return fmt.Errorf("scan: output directory: %w", err)
	}
	pos, err := s.stage.Position()
	if err != nil {
		return err
	}
	wf, err := s.scope.AcquireWaveform(set.Channels)
	if err != nil {
		return err
	}
	return WriteWaveform(set.OutputDir, pos, wf)
}

// Filename builds the per-channel output file name for a waveform taken at
// the given position.
func Filename(pos standa.Position, acquired time.Time, channel string) string {
	return fmt.Sprintf("waveform_x%d_y%.3f_z%.3f_%s_ch%s.csv",
		pos.X, pos.Y, pos.Z, acquired.Format(timestampFormat), channel)
}

// WriteWaveform writes one CSV per channel of wf into dir.
func WriteWaveform(dir string, pos standa.Position, wf oscilloscope.Waveform) error {
	for _, label := range wf.Labels() {
		path := filepath.Join(dir, Filename(pos, wf.Acquired, label))
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := wf.EncodeChannelCSV(f, label); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

/*Package standa provides an interface to Standa 8MTF/8MT series motion
controllers speaking the XIMC binary protocol over a serial port or a
serial-over-TCP bridge.

The controllers are one-per-axis; a Stage bundles up to three of them under
the X, Y, and Z labels.  The X axis is tracked in raw motor steps, Y and Z in
millimeters at 400 full steps per mm.
*/
package standa

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sidetlab/tctserve/comm"

	"github.com/tarm/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

const (
	// StepsPerMM is the full-step resolution of the Y and Z screws
	StepsPerMM = 400

	// DefaultMoveTimeout bounds how long a commanded move may take to settle
	DefaultMoveTimeout = 10 * time.Second

	baudRate    = 115200
	readTimeout = 3 * time.Second

	// settle polls are paced to avoid hammering the serial link
	pollInterval = 50 * time.Millisecond
)

// DefaultSpeeds is the per-axis speed setpoint in steps/sec applied by
// Initialize.  The X screw is coarser and runs faster.
var DefaultSpeeds = map[string]float64{
	"X": 2000,
	"Y": 1000,
	"Z": 1000,
}

// Position is the last known location of the stage.  X is in raw steps, Y
// and Z in mm.
type Position struct {
	X int     `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// MMToSteps converts a position in mm to the nearest full step.
func MMToSteps(mm float64) int32 {
	return int32(math.Round(mm * StepsPerMM))
}

// StepsToMM converts a step count to mm.
func StepsToMM(steps int32) float64 {
	return float64(steps) / StepsPerMM
}

type axisConn struct {
	pool  *comm.Pool
	speed float64
}

// Stage is a 3-axis motion controller assembly.  It satisfies the Mover,
// Stopper, InPositionQueryer, and Speeder interfaces of generichttp/motion.
type Stage struct {
	mu          sync.Mutex
	axes        map[string]*axisConn
	pos         Position
	moveTimeout time.Duration
}

// NewStage returns a Stage with one controller per entry in ports, keyed by
// axis label.  Values containing a colon are dialed as TCP addresses,
// anything else is opened as a serial port.  No I/O happens until the first
// command; use Initialize to bring the hardware up eagerly.
func NewStage(ports map[string]string) *Stage {
	axes := make(map[string]*axisConn, len(ports))
	for label, addr := range ports {
		var maker comm.CreationFunc
		if strings.Contains(addr, ":") {
			maker = comm.BackingOffTCPConnMaker(addr, readTimeout)
		} else {
			maker = comm.SerialConnMaker(&serial.Config{
				Name:        addr,
				Baud:        baudRate,
				ReadTimeout: readTimeout,
			})
		}
		axes[strings.ToUpper(label)] = &axisConn{
			pool:  comm.NewPool(1, time.Minute, maker),
			speed: DefaultSpeeds[strings.ToUpper(label)],
		}
	}
	return &Stage{axes: axes, moveTimeout: DefaultMoveTimeout}
}

// EnumeratePorts maps USB serial numbers to serial port names for every
// controller currently attached.
func EnumeratePorts() (map[string]string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	found := make(map[string]string)
	for _, p := range ports {
		if p.IsUSB && p.SerialNumber != "" {
			found[p.SerialNumber] = p.Name
		}
	}
	return found, nil
}

// NewStageFromSerials is NewStage, but the map values are USB serial numbers
// which are resolved to port names by enumeration.
func NewStageFromSerials(serials map[string]string) (*Stage, error) {
	attached, err := EnumeratePorts()
	if err != nil {
		return nil, err
	}
	ports := make(map[string]string, len(serials))
	for label, sn := range serials {
		port, ok := attached[sn]
		if !ok {
			return nil, fmt.Errorf("standa: no attached device with serial number %s for axis %s", sn, label)
		}
		ports[label] = port
	}
	return NewStage(ports), nil
}

// SetMoveTimeout changes the settle deadline for subsequent moves.
func (s *Stage) SetMoveTimeout(d time.Duration) {
	s.mu.Lock()
	s.moveTimeout = d
	s.mu.Unlock()
}

func (s *Stage) axis(label string) (*axisConn, error) {
	a, ok := s.axes[strings.ToUpper(label)]
	if !ok {
		return nil, fmt.Errorf("standa: unknown axis %q", label)
	}
	return a, nil
}

// txn runs one command/response exchange on an axis connection.
func (s *Stage) txn(a *axisConn, cmd string, data []byte) ([]byte, error) {
	frame, err := encodeTelegram(cmd, data)
	if err != nil {
		return nil, err
	}
	conn, err := a.pool.Get()
	if err != nil {
		return nil, err
	}
	defer func() { a.pool.ReturnWithError(conn, err) }()
	_, err = conn.Write(frame)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, responseLen(cmd))
	_, err = io.ReadFull(conn, buf)
	if err != nil {
		return nil, err
	}
	var resp []byte
	resp, err = decodeTelegram(cmd, buf)
	return resp, err
}

// Initialize verifies each controller responds and applies the default speed
// setpoints.  It is the first real I/O on the links.
func (s *Stage) Initialize() error {
	for label, a := range s.axes {
		if _, err := s.Serial(label); err != nil {
			return fmt.Errorf("axis %s: %w", label, err)
		}
		if err := s.SetVelocity(label, a.speed); err != nil {
			return fmt.Errorf("axis %s: %w", label, err)
		}
	}
	// prime the position cache
	_, err := s.Position()
	return err
}

// Serial returns the board serial number of an axis controller.
func (s *Stage) Serial(axis string) (uint32, error) {
	a, err := s.axis(axis)
	if err != nil {
		return 0, err
	}
	resp, err := s.txn(a, cmdGetSerial, nil)
	if err != nil {
		return 0, err
	}
	return parseSerial(resp), nil
}

// readSteps queries the step counter of an axis without touching the cache.
func (s *Stage) readSteps(a *axisConn) (int32, error) {
	resp, err := s.txn(a, cmdGetPos, nil)
	if err != nil {
		return 0, err
	}
	return parsePosition(resp), nil
}

// cachePos stores a freshly read step count under the axis's native unit.
func (s *Stage) cachePos(label string, steps int32) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch strings.ToUpper(label) {
	case "X":
		s.pos.X = int(steps)
		return float64(steps)
	case "Y":
		s.pos.Y = StepsToMM(steps)
		return s.pos.Y
	case "Z":
		s.pos.Z = StepsToMM(steps)
		return s.pos.Z
	}
	return 0
}

// toSteps converts a position in the axis's native unit to steps.
func toSteps(label string, pos float64) int32 {
	if strings.ToUpper(label) == "X" {
		return int32(math.Round(pos))
	}
	return MMToSteps(pos)
}

// GetPos reads the current position of an axis.  X is reported in steps, Y
// and Z in mm.  The cache is only updated when the read succeeds.
func (s *Stage) GetPos(axis string) (float64, error) {
	a, err := s.axis(axis)
	if err != nil {
		return 0, err
	}
	steps, err := s.readSteps(a)
	if err != nil {
		return 0, err
	}
	return s.cachePos(axis, steps), nil
}

// waitStopped polls the status flag until the axis settles or the move
// timeout elapses.
func (s *Stage) waitStopped(a *axisConn) error {
	s.mu.Lock()
	timeout := s.moveTimeout
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(pollInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("standa: axis did not settle within %s", timeout)
		}
		resp, err := s.txn(a, cmdStatus, nil)
		if err != nil {
			return err
		}
		if !parseStatus(resp).Moving() {
			return nil
		}
	}
}

func (s *Stage) move(axis, cmd string, steps int32) error {
	a, err := s.axis(axis)
	if err != nil {
		return err
	}
	if _, err := s.txn(a, cmd, encodeMove(steps)); err != nil {
		return err
	}
	if err := s.waitStopped(a); err != nil {
		return err
	}
	after, err := s.readSteps(a)
	if err != nil {
		return err
	}
	s.cachePos(axis, after)
	return nil
}

// MoveAbs commands an absolute move and blocks until the axis settles.
func (s *Stage) MoveAbs(axis string, pos float64) error {
	return s.move(axis, cmdMoveAbs, toSteps(axis, pos))
}

// MoveRel commands a relative move and blocks until the axis settles.
func (s *Stage) MoveRel(axis string, delta float64) error {
	return s.move(axis, cmdMoveRel, toSteps(axis, delta))
}

// Home drives an axis to its home switch and blocks until it settles.
func (s *Stage) Home(axis string) error {
	a, err := s.axis(axis)
	if err != nil {
		return err
	}
	if _, err := s.txn(a, cmdHome, nil); err != nil {
		return err
	}
	if err := s.waitStopped(a); err != nil {
		return err
	}
	after, err := s.readSteps(a)
	if err != nil {
		return err
	}
	s.cachePos(axis, after)
	return nil
}

// Stop halts motion on an axis immediately.
func (s *Stage) Stop(axis string) error {
	a, err := s.axis(axis)
	if err != nil {
		return err
	}
	_, err = s.txn(a, cmdStop, nil)
	return err
}

// StopAll halts every axis, best effort.
func (s *Stage) StopAll() error {
	var err error
	for label := range s.axes {
		err = multierr.Append(err, s.Stop(label))
	}
	return err
}

// GetInPosition returns true if the axis has no motion command in progress.
func (s *Stage) GetInPosition(axis string) (bool, error) {
	a, err := s.axis(axis)
	if err != nil {
		return false, err
	}
	resp, err := s.txn(a, cmdStatus, nil)
	if err != nil {
		return false, err
	}
	return !parseStatus(resp).Moving(), nil
}

// SetVelocity writes the speed setpoint of an axis in steps/sec.
func (s *Stage) SetVelocity(axis string, v float64) error {
	a, err := s.axis(axis)
	if err != nil {
		return err
	}
	resp, err := s.txn(a, cmdGetMoveSettings, nil)
	if err != nil {
		return err
	}
	ms := parseMoveSettings(resp)
	ms.Speed = uint32(math.Round(v))
	if _, err := s.txn(a, cmdSetMoveSettings, encodeMoveSettings(ms)); err != nil {
		return err
	}
	s.mu.Lock()
	a.speed = v
	s.mu.Unlock()
	return nil
}

// GetVelocity reads the speed setpoint of an axis in steps/sec.
func (s *Stage) GetVelocity(axis string) (float64, error) {
	a, err := s.axis(axis)
	if err != nil {
		return 0, err
	}
	resp, err := s.txn(a, cmdGetMoveSettings, nil)
	if err != nil {
		return 0, err
	}
	return float64(parseMoveSettings(resp).Speed), nil
}

// Position reads all axes and returns the refreshed position tuple.  Axes
// that are not configured keep their cached (zero) values.
func (s *Stage) Position() (Position, error) {
	for label := range s.axes {
		if _, err := s.GetPos(label); err != nil {
			return Position{}, fmt.Errorf("axis %s: %w", label, err)
		}
	}
	return s.LastPosition(), nil
}

// LastPosition returns the cached position tuple without any device I/O.
func (s *Stage) LastPosition() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Disconnect closes the idle connections of every axis, aggregating any
// close errors.  The stage can be used again afterward; connections reopen
// on demand.
func (s *Stage) Disconnect() error {
	var err error
	for _, a := range s.axes {
		err = multierr.Append(err, a.pool.Drain())
	}
	return err
}

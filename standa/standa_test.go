package standa

import (
	"bytes"
	"io"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sidetlab/tctserve/comm"
)

// reply builds a response frame the way a controller would.
func reply(cmd string, data []byte) []byte {
	frame := append([]byte{}, cmd...)
	if len(data) == 0 {
		return frame
	}
	frame = append(frame, data...)
	return dataOrder.AppendUint16(frame, uint16(crcTable.CalculateCRC(data)))
}

func TestEncodeMoveFrame(t *testing.T) {
	frame, err := encodeTelegram(cmdMoveAbs, encodeMove(500))
	if err != nil {
		t.Fatal(err)
	}
	if len(frame) != 18 {
		t.Errorf("move frame is %d bytes, want 18", len(frame))
	}
	if string(frame[:4]) != "move" {
		t.Errorf("bad command code %q", frame[:4])
	}
	if got := int32(dataOrder.Uint32(frame[4:8])); got != 500 {
		t.Errorf("encoded steps = %d, want 500", got)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	data := make([]byte, respDataLen[cmdGetPos])
	pos := int32(-1200)
	dataOrder.PutUint32(data[0:4], uint32(pos))
	frame := reply(cmdGetPos, data)
	payload, err := decodeTelegram(cmdGetPos, frame)
	if err != nil {
		t.Fatal(err)
	}
	if got := parsePosition(payload); got != -1200 {
		t.Errorf("position = %d, want -1200", got)
	}
}

func TestDecodeRejectsBadCRC(t *testing.T) {
	data := make([]byte, respDataLen[cmdGetPos])
	frame := reply(cmdGetPos, data)
	frame[6] ^= 0xFF
	if _, err := decodeTelegram(cmdGetPos, frame); err == nil {
		t.Error("corrupted frame should fail CRC check")
	}
}

func TestDecodeProtocolError(t *testing.T) {
	_, err := decodeTelegram(cmdMoveAbs, []byte("errd"))
	if err == nil {
		t.Fatal("expected protocol error")
	}
	if !strings.Contains(err.Error(), "CRC") {
		t.Errorf("errd should decode to a CRC failure message, got %v", err)
	}
}

func TestMMStepsRoundTrip(t *testing.T) {
	halfStep := 1.0 / (2 * StepsPerMM)
	for _, mm := range []float64{0, 0.001, 1.25, -3.3337, 12.0004} {
		back := StepsToMM(MMToSteps(mm))
		if math.Abs(back-mm) > halfStep {
			t.Errorf("round trip of %v mm drifted to %v, more than half a step", mm, back)
		}
	}
}

// fakeAxis emulates one controller on the other end of the wire.
type fakeAxis struct {
	mu         sync.Mutex
	out        bytes.Buffer
	pos        int32
	settings   moveSettings
	movePolls  int  // gets replies reporting "moving" before settling
	rejectMove bool // reply errv to motion commands
}

func (f *fakeAxis) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := string(p[:4])
	switch cmd {
	case cmdGetSerial:
		data := make([]byte, respDataLen[cmdGetSerial])
		dataOrder.PutUint32(data, 31415)
		f.out.Write(reply(cmdGetSerial, data))
	case cmdGetPos:
		data := make([]byte, respDataLen[cmdGetPos])
		dataOrder.PutUint32(data[0:4], uint32(f.pos))
		f.out.Write(reply(cmdGetPos, data))
	case cmdStatus:
		data := make([]byte, respDataLen[cmdStatus])
		if f.movePolls > 0 {
			f.movePolls--
			data[0] = movingBit
		}
		dataOrder.PutUint32(data[5:9], uint32(f.pos))
		f.out.Write(reply(cmdStatus, data))
	case cmdMoveAbs, cmdMoveRel:
		if f.rejectMove {
			f.out.WriteString("errv")
			break
		}
		steps := int32(dataOrder.Uint32(p[4:8]))
		if cmd == cmdMoveAbs {
			f.pos = steps
		} else {
			f.pos += steps
		}
		f.out.Write(reply(cmd, nil))
	case cmdHome:
		f.pos = 0
		f.out.Write(reply(cmdHome, nil))
	case cmdStop:
		f.out.Write(reply(cmdStop, nil))
	case cmdGetMoveSettings:
		f.out.Write(reply(cmdGetMoveSettings, encodeMoveSettings(f.settings)))
	case cmdSetMoveSettings:
		f.settings = parseMoveSettings(p[4 : len(p)-2])
		f.out.Write(reply(cmdSetMoveSettings, nil))
	}
	return len(p), nil
}

func (f *fakeAxis) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Read(p)
}

func (f *fakeAxis) Close() error { return nil }

func stageWithFake(label string, fake *fakeAxis) *Stage {
	maker := func() (io.ReadWriteCloser, error) { return fake, nil }
	return &Stage{
		axes: map[string]*axisConn{
			strings.ToUpper(label): {pool: comm.NewPool(1, time.Minute, maker), speed: 1000},
		},
		moveTimeout: time.Second,
	}
}

func TestSerialReadsBoardNumber(t *testing.T) {
	fake := &fakeAxis{}
	s := stageWithFake("X", fake)
	sn, err := s.Serial("X")
	if err != nil {
		t.Fatal(err)
	}
	if sn != 31415 {
		t.Errorf("serial = %d, want 31415", sn)
	}
}

func TestMoveAbsConvertsMMAndCaches(t *testing.T) {
	fake := &fakeAxis{}
	s := stageWithFake("Y", fake)
	if err := s.MoveAbs("y", 1.25); err != nil {
		t.Fatal(err)
	}
	if fake.pos != 500 {
		t.Errorf("controller position = %d steps, want 500", fake.pos)
	}
	if got := s.LastPosition().Y; got != 1.25 {
		t.Errorf("cached Y = %v mm, want 1.25", got)
	}
}

func TestXAxisTracksRawSteps(t *testing.T) {
	fake := &fakeAxis{}
	s := stageWithFake("X", fake)
	if err := s.MoveRel("X", 40); err != nil {
		t.Fatal(err)
	}
	if fake.pos != 40 {
		t.Errorf("controller position = %d steps, want 40", fake.pos)
	}
	if got := s.LastPosition().X; got != 40 {
		t.Errorf("cached X = %v steps, want 40", got)
	}
}

func TestFailedMoveLeavesCacheAlone(t *testing.T) {
	fake := &fakeAxis{pos: 100}
	s := stageWithFake("X", fake)
	if _, err := s.GetPos("X"); err != nil {
		t.Fatal(err)
	}
	fake.rejectMove = true
	if err := s.MoveAbs("X", 9999); err == nil {
		t.Fatal("rejected move should surface an error")
	}
	if got := s.LastPosition().X; got != 100 {
		t.Errorf("cache mutated by failed move: X = %v, want 100", got)
	}
}

func TestMoveWaitsThroughPolls(t *testing.T) {
	fake := &fakeAxis{movePolls: 3}
	s := stageWithFake("Z", fake)
	if err := s.MoveAbs("Z", 0.5); err != nil {
		t.Fatal(err)
	}
	if fake.movePolls != 0 {
		t.Errorf("move returned with %d busy polls outstanding", fake.movePolls)
	}
}

func TestSetVelocityPreservesAccel(t *testing.T) {
	fake := &fakeAxis{settings: moveSettings{Speed: 1000, Accel: 2000, Decel: 2500}}
	s := stageWithFake("Y", fake)
	if err := s.SetVelocity("Y", 1500); err != nil {
		t.Fatal(err)
	}
	if fake.settings.Speed != 1500 {
		t.Errorf("speed = %d, want 1500", fake.settings.Speed)
	}
	if fake.settings.Accel != 2000 || fake.settings.Decel != 2500 {
		t.Errorf("accel/decel clobbered: %+v", fake.settings)
	}
}

func TestUnknownAxisRejected(t *testing.T) {
	s := stageWithFake("X", &fakeAxis{})
	if _, err := s.GetPos("Q"); err == nil {
		t.Error("expected error for unknown axis")
	}
}

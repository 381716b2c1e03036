package scpi

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sidetlab/tctserve/comm"
)

// scriptConn is a fake instrument; responses are staged into rx before each
// call and commands accumulate in tx.  Reads serve one line at a time so a
// multi-transaction exchange can be staged up front.
type scriptConn struct {
	rx bytes.Buffer
	tx bytes.Buffer
}

func (s *scriptConn) Read(p []byte) (int, error) {
	line, err := s.rx.ReadBytes('\n')
	if len(line) == 0 {
		return 0, err
	}
	return copy(p, line), nil
}
func (s *scriptConn) Write(p []byte) (int, error) { return s.tx.Write(p) }
func (s *scriptConn) Close() error                { return nil }

func newFake(t *testing.T) (*SCPI, *scriptConn) {
	t.Helper()
	conn := &scriptConn{}
	maker := func() (io.ReadWriteCloser, error) { return conn, nil }
	pool := comm.NewPool(1, time.Minute, maker)
	return &SCPI{Pool: pool}, conn
}

func TestWriteWrapsWithHandshake(t *testing.T) {
	s, conn := newFake(t)
	s.Handshaking = true
	conn.rx.WriteString("+0,\"No error\"\n")
	if err := s.Write("CH1:SCALe 0.1"); err != nil {
		t.Fatal(err)
	}
	sent := conn.tx.String()
	if !strings.HasPrefix(sent, "*CLS;") {
		t.Errorf("command not prefixed with *CLS: %q", sent)
	}
	if !strings.Contains(sent, ":SYSTem:ERRor?") {
		t.Errorf("command missing error query: %q", sent)
	}
	if !strings.HasSuffix(sent, "\n") {
		t.Errorf("command not terminated: %q", sent)
	}
}

func TestWriteHandshakeFailureSurfacesDeviceError(t *testing.T) {
	s, conn := newFake(t)
	s.Handshaking = true
	conn.rx.WriteString("-222,\"Data out of range\"\n")
	err := s.Write("CH1:SCALe 1e9")
	if err == nil {
		t.Fatal("expected device error")
	}
	if !strings.Contains(err.Error(), "-222") {
		t.Errorf("error should carry the device code: %v", err)
	}
}

func TestWriteReadStripsHandshakeSuffix(t *testing.T) {
	s, conn := newFake(t)
	s.Handshaking = true
	conn.rx.WriteString("4.0E-3;+0,\"No error\"\n")
	f, err := s.ReadFloat("WFMPRE:XIN?")
	if err != nil {
		t.Fatal(err)
	}
	if f != 4.0e-3 {
		t.Errorf("ReadFloat = %v, want 4.0E-3", f)
	}
}

func TestReadStringTrimsTermination(t *testing.T) {
	s, conn := newFake(t)
	conn.rx.WriteString("TEKTRONIX,DPO7254,C000001,CF:91.1CT\r\n")
	resp, err := s.ReadString("*IDN?")
	if err != nil {
		t.Fatal(err)
	}
	if strings.ContainsAny(resp, "\r\n") {
		t.Errorf("termination not stripped: %q", resp)
	}
	if !strings.HasPrefix(resp, "TEKTRONIX") {
		t.Errorf("unexpected response: %q", resp)
	}
}

func TestPopErrorCleanQueue(t *testing.T) {
	s, conn := newFake(t)
	conn.rx.WriteString("+0,\"No error\"\n")
	if err := s.PopError(); err != nil {
		t.Errorf("clean queue should pop nil, got %v", err)
	}
}

func TestRawRoutesQueriesAndCommands(t *testing.T) {
	s, conn := newFake(t)
	s.Handshaking = true
	conn.rx.WriteString("1.0E-6\n")
	resp, err := s.Raw("HORizontal:SCAle?")
	if err != nil {
		t.Fatal(err)
	}
	if resp != "1.0E-6" {
		t.Errorf("Raw query = %q, want 1.0E-6", resp)
	}
	// commands bypass handshaking entirely, so no response is needed
	conn.tx.Reset()
	if _, err := s.Raw("AUTOSet EXECute"); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(conn.tx.String(), "*CLS") {
		t.Errorf("Raw should not handshake: %q", conn.tx.String())
	}
}

func TestRawLeavesHandshakingUntouched(t *testing.T) {
	s, conn := newFake(t)
	s.Handshaking = true
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Raw("AUTOSet EXECute")
			}
		}()
	}
	wg.Wait()
	if !s.Handshaking {
		t.Fatal("Raw disabled handshaking for the whole bus")
	}
	conn.tx.Reset()
	conn.rx.WriteString("+0,\"No error\"\n")
	if err := s.Write("CH1:SCALe 0.1"); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(conn.tx.String(), "*CLS;") {
		t.Errorf("handshaking lost after Raw: %q", conn.tx.String())
	}
}

func TestAllErrorsStringDrainsQueue(t *testing.T) {
	s, conn := newFake(t)
	conn.rx.WriteString("-113,\"Undefined header\"\n")
	conn.rx.WriteString("-222,\"Data out of range\"\n")
	conn.rx.WriteString("+0,\"No error\"\n")
	str, err := s.AllErrorsString()
	if err == nil {
		t.Fatal("expected the first queued error back")
	}
	if !strings.Contains(str, "-113") || !strings.Contains(str, "-222") {
		t.Errorf("joined errors missing a code: %q", str)
	}
	conn.rx.WriteString("+0,\"No error\"\n")
	str, err = s.AllErrorsString()
	if err != nil || str != "" {
		t.Errorf("clean queue should report nothing, got %q, %v", str, err)
	}
}

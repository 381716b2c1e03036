package oscilloscope

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"
)

func TestPhysicalScalesRawBytes(t *testing.T) {
	// yoff=127, ymu=0.01, yze=0.5 => (200-127)*0.01+0.5 = 1.23
	ch := Channel{Data: []uint8{200}, Scale: 0.01, Offset: 0.5, Reference: 127}
	got := ch.Physical()
	if len(got) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(got))
	}
	if math.Abs(got[0]-1.23) > 1e-12 {
		t.Errorf("Physical() = %v, want 1.23", got[0])
	}
}

func TestPhysicalInt16(t *testing.T) {
	ch := Channel{Data: []int16{-100, 0, 100}, Scale: 0.5, Offset: 0, Reference: 0}
	got := ch.Physical()
	want := []float64{-50, 0, 50}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestEncodeChannelCSVShape(t *testing.T) {
	w := Waveform{
		T0:       -1e-6,
		DT:       1e-6,
		Acquired: time.Date(2024, 5, 17, 10, 30, 0, 0, time.UTC),
		Channels: map[string]Channel{
			"1": {Data: []uint8{0, 128, 255}, Scale: 1, Offset: 0, Reference: 128},
		},
	}
	var buf bytes.Buffer
	if err := w.EncodeChannelCSV(&buf, "1"); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 2 header + 3 data lines, got %d: %q", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "# Acquired: 20240517_103000") {
		t.Errorf("bad first header line: %q", lines[0])
	}
	if lines[1] != "# time (s),voltage (V)" {
		t.Errorf("bad second header line: %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "-1E-06,") {
		t.Errorf("first sample should start at T0, got %q", lines[2])
	}
}

func TestEncodeChannelCSVUnknownChannel(t *testing.T) {
	w := Waveform{Channels: map[string]Channel{}}
	if err := w.EncodeChannelCSV(&bytes.Buffer{}, "4"); err == nil {
		t.Error("expected error for unknown channel")
	}
}

func TestEncodeCSVMultiChannel(t *testing.T) {
	w := Waveform{
		DT: 0.5,
		Channels: map[string]Channel{
			"3": {Data: []uint8{1, 2}, Scale: 1},
			"1": {Data: []uint8{3, 4}, Scale: 1},
		},
	}
	var buf bytes.Buffer
	if err := w.EncodeCSV(&buf); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if lines[0] != "time,1,3" {
		t.Errorf("channels not sorted in header: %q", lines[0])
	}
	if len(lines) != 3 {
		t.Errorf("expected header + 2 rows, got %d", len(lines))
	}
}

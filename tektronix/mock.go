package tektronix

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sidetlab/tctserve/oscilloscope"
)

// Mock is an in-memory stand-in for a Scope.  Acquisitions return a
// synthetic damped transient so downstream consumers have realistic data.
type Mock struct {
	sync.Mutex
	scale     map[string]float64
	offset    map[string]float64
	coupling  map[string]string
	bandwidth map[string]float64
	enabled   map[string]bool

	trigSource string
	trigLevel  float64
	trigSlope  string
	timebase   float64
	horizPos   float64
}

// NewMock returns a mock scope with four channels at 100 mV/div, DC coupled.
func NewMock() *Mock {
	m := &Mock{
		scale:      make(map[string]float64),
		offset:     make(map[string]float64),
		coupling:   make(map[string]string),
		bandwidth:  make(map[string]float64),
		enabled:    make(map[string]bool),
		trigSource: "1",
		trigSlope:  "RISE",
		timebase:   20e-9,
		horizPos:   10,
	}
	for _, ch := range []string{"1", "2", "3", "4"} {
		m.scale[ch] = 0.1
		m.coupling[ch] = "DC"
	}
	m.enabled["1"] = true
	return m
}

func (m *Mock) Identify() (string, error) {
	return "TEKTRONIX,DPO7104,MOCK0001,CF:91.1CT", nil
}

func (m *Mock) Initialize() error { return nil }

func (m *Mock) SetScale(channel string, v float64) error {
	m.Lock()
	defer m.Unlock()
	m.scale[channel] = v
	return nil
}

func (m *Mock) GetScale(channel string) (float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.scale[channel], nil
}

func (m *Mock) SetOffset(channel string, v float64) error {
	m.Lock()
	defer m.Unlock()
	m.offset[channel] = v
	return nil
}

func (m *Mock) GetOffset(channel string) (float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.offset[channel], nil
}

func (m *Mock) SetCoupling(channel, coupling string) error {
	m.Lock()
	defer m.Unlock()
	m.coupling[channel] = strings.ToUpper(coupling)
	return nil
}

func (m *Mock) GetCoupling(channel string) (string, error) {
	m.Lock()
	defer m.Unlock()
	return m.coupling[channel], nil
}

func (m *Mock) SetBandwidthLimit(channel string, hz float64) error {
	m.Lock()
	defer m.Unlock()
	m.bandwidth[channel] = hz
	return nil
}

func (m *Mock) GetBandwidthLimit(channel string) (float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.bandwidth[channel], nil
}

func (m *Mock) SetChannelEnabled(channel string, on bool) error {
	m.Lock()
	defer m.Unlock()
	m.enabled[channel] = on
	return nil
}

func (m *Mock) GetChannelEnabled(channel string) (bool, error) {
	m.Lock()
	defer m.Unlock()
	return m.enabled[channel], nil
}

func (m *Mock) SetTriggerSource(channel string) error {
	m.Lock()
	defer m.Unlock()
	m.trigSource = channel
	return nil
}

func (m *Mock) GetTriggerSource() (string, error) {
	m.Lock()
	defer m.Unlock()
	return m.trigSource, nil
}

func (m *Mock) SetTriggerLevel(v float64) error {
	m.Lock()
	defer m.Unlock()
	m.trigLevel = v
	return nil
}

func (m *Mock) GetTriggerLevel() (float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.trigLevel, nil
}

func (m *Mock) SetTriggerSlope(slope string) error {
	m.Lock()
	defer m.Unlock()
	m.trigSlope = strings.ToUpper(slope)
	return nil
}

func (m *Mock) GetTriggerSlope() (string, error) {
	m.Lock()
	defer m.Unlock()
	return m.trigSlope, nil
}

func (m *Mock) SetTimebase(secPerDiv float64) error {
	m.Lock()
	defer m.Unlock()
	m.timebase = secPerDiv
	return nil
}

func (m *Mock) GetTimebase() (float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.timebase, nil
}

func (m *Mock) SetTimebasePosition(pct float64) error {
	m.Lock()
	defer m.Unlock()
	m.horizPos = pct
	return nil
}

func (m *Mock) GetTimebasePosition() (float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.horizPos, nil
}

func (m *Mock) AutoSet() error { return nil }

// AcquireWaveform synthesizes a damped sinusoid transient per channel.
func (m *Mock) AcquireWaveform(channels []string) (oscilloscope.Waveform, error) {
	m.Lock()
	defer m.Unlock()
	if len(channels) == 0 {
		return oscilloscope.Waveform{}, fmt.Errorf("tektronix: no channels requested")
	}
	const samples = 1000
	dt := m.timebase * 10 / samples
	ret := oscilloscope.Waveform{
		T0:       -m.timebase * 10 * m.horizPos / 100,
		DT:       dt,
		Acquired: time.Now(),
		Channels: make(map[string]oscilloscope.Channel, len(channels)),
	}
	for _, ch := range channels {
		scale := m.scale[ch]
		if scale == 0 {
			scale = 0.1
		}
		data := make([]uint8, samples)
		for i := range data {
			t := float64(i) / samples
			v := math.Exp(-5*t) * math.Sin(40*t)
			data[i] = uint8(127 + v*100)
		}
		ret.Channels[ch] = oscilloscope.Channel{
			Data:      data,
			Scale:     scale * 10 / 255,
			Offset:    m.offset[ch],
			Reference: 127,
		}
	}
	return ret, nil
}

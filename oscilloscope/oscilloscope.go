// Package oscilloscope provides type definitions for waveform data from
// digital oscilloscopes
package oscilloscope

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"
)

// Waveform describes a waveform recording from a scope
type Waveform struct {
	// T0 is the time of the first sample relative to the trigger, seconds
	T0 float64 `json:"t0"`

	// DT is the temporal sample spacing in seconds
	DT float64 `json:"dt"`

	// Acquired is when the record was transferred from the scope
	Acquired time.Time `json:"acquired"`

	// Channels holds the per-channel data, keyed by channel label
	Channels map[string]Channel `json:"channels"`
}

// Channel represents a stream of data from a scope ADC.  Physical units are
// computed as (data - reference) * scale + offset.
type Channel struct {
	// Data is the raw sample buffer, []uint8 or []int16 depending on the
	// transfer encoding
	Data interface{} `json:"data"`

	// Scale is the size of a single increment in Data's native dtype, volts
	Scale float64 `json:"scale"`

	// Offset is the vertical offset in volts
	Offset float64 `json:"offset"`

	// Reference is the reference level in DN
	Reference float64 `json:"reference"`
}

// Physical computes the channel data scaled to volts
func (c Channel) Physical() []float64 {
	switch v := c.Data.(type) {
	case []uint8:
		ret := make([]float64, len(v))
		for i := 0; i < len(v); i++ {
			ret[i] = (float64(v[i])-c.Reference)*c.Scale + c.Offset
		}
		return ret
	case []int16:
		ret := make([]float64, len(v))
		for i := 0; i < len(v); i++ {
			ret[i] = (float64(v[i])-c.Reference)*c.Scale + c.Offset
		}
		return ret
	case []float64:
		ret := make([]float64, len(v))
		for i := 0; i < len(v); i++ {
			ret[i] = (v[i]-c.Reference)*c.Scale + c.Offset
		}
		return ret
	default:
		panic("oscilloscope: attempt to convert non numerical data to physical units")
	}
}

// Len returns the number of samples in the channel
func (c Channel) Len() int {
	switch v := c.Data.(type) {
	case []uint8:
		return len(v)
	case []int16:
		return len(v)
	case []float64:
		return len(v)
	default:
		return 0
	}
}

// Labels returns the channel labels in sorted order
func (w *Waveform) Labels() []string {
	labels := make([]string, 0, len(w.Channels))
	for k := range w.Channels {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	return labels
}

// EncodeCSV converts all channels to physical units and writes them to a CSV
// with a time column followed by one column per channel, in streaming fashion
func (w *Waveform) EncodeCSV(wr io.Writer) error {
	labels := w.Labels()
	if len(labels) == 0 {
		return fmt.Errorf("waveform has no channels")
	}
	data := make([][]float64, len(labels))
	for i, l := range labels {
		data[i] = w.Channels[l].Physical()
	}
	buf := bufio.NewWriter(wr)
	cw := csv.NewWriter(buf)
	record := append([]string{"time"}, labels...)
	if err := cw.Write(record); err != nil {
		return err
	}
	for i := 0; i < len(data[0]); i++ {
		record[0] = strconv.FormatFloat(w.T0+float64(i)*w.DT, 'G', -1, 64)
		for j := 0; j < len(data); j++ {
			record[j+1] = strconv.FormatFloat(data[j][i], 'G', -1, 64)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return buf.Flush()
}

// EncodeChannelCSV writes a single channel as a two-column (time seconds,
// voltage) CSV with a two-line text header, the on-disk format used for scan
// output
func (w *Waveform) EncodeChannelCSV(wr io.Writer, label string) error {
	ch, ok := w.Channels[label]
	if !ok {
		return fmt.Errorf("waveform has no channel %q", label)
	}
	volts := ch.Physical()
	buf := bufio.NewWriter(wr)
	fmt.Fprintf(buf, "# Acquired: %s Channel: %s\n", w.Acquired.Format("20060102_150405"), label)
	fmt.Fprintln(buf, "# time (s),voltage (V)")
	for i := 0; i < len(volts); i++ {
		t := strconv.FormatFloat(w.T0+float64(i)*w.DT, 'G', -1, 64)
		v := strconv.FormatFloat(volts[i], 'G', -1, 64)
		fmt.Fprintf(buf, "%s,%s\n", t, v)
	}
	return buf.Flush()
}

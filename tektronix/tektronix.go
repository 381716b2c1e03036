/*Package tektronix provides an interface to DPO7000-series oscilloscopes
over SCPI.

The scope can sit on a plain TCP socket, behind a Prologix GPIB adapter on a
virtual COM port, or on USBTMC bulk endpoints; each transport is a comm.Pool
maker and the rest of the package is transport agnostic.
*/
package tektronix

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sidetlab/tctserve/comm"
	"github.com/sidetlab/tctserve/oscilloscope"
	"github.com/sidetlab/tctserve/scpi"
	"github.com/sidetlab/tctserve/usbtmc"
)

const (
	// autosetSettle is how long AUTOSET is given to converge before the
	// scope is trusted again
	autosetSettle = 2 * time.Second

	curveTimeout = 10 * time.Second

	// poolIdle is how long connections sit unused before being reclaimed
	poolIdle = 30 * time.Second
)

// Scope is a DPO7000-series oscilloscope.
type Scope struct {
	*scpi.SCPI
}

// New creates a Scope on an existing connection pool.
func New(pool *comm.Pool) *Scope {
	return &Scope{SCPI: &scpi.SCPI{Pool: pool}}
}

// NewTCP creates a Scope on a TCP socket, e.g. a VISA-LAN gateway.
func NewTCP(addr string) *Scope {
	maker := comm.BackingOffTCPConnMaker(addr, 5*time.Second)
	return New(comm.NewPool(1, poolIdle, maker))
}

// NewUSB creates a Scope on USBTMC bulk endpoints.
func NewUSB(vid, pid uint16) *Scope {
	maker := func() (io.ReadWriteCloser, error) { return usbtmc.NewDevice(vid, pid) }
	return New(comm.NewPool(1, poolIdle, maker))
}

// Identify returns the *IDN? response.
func (s *Scope) Identify() (string, error) {
	return s.ReadString("*IDN?")
}

// Initialize verifies the instrument is a DPO7000-series scope, resets it,
// and switches responses to terse mode so queries parse cleanly.
func (s *Scope) Initialize() error {
	idn, err := s.Identify()
	if err != nil {
		return err
	}
	up := strings.ToUpper(idn)
	if !strings.Contains(up, "TEKTRONIX") || !strings.Contains(up, "DPO7") {
		return fmt.Errorf("tektronix: instrument %q is not a DPO7000-series scope", idn)
	}
	for _, cmd := range []string{"*RST", "HEADER OFF", "VERBOSE ON"} {
		if err := s.Write(cmd); err != nil {
			return err
		}
	}
	return nil
}

// chn guards against junk channel labels reaching the instrument.
func chn(channel string) (string, error) {
	n, err := strconv.Atoi(channel)
	if err != nil || n < 1 || n > 4 {
		return "", fmt.Errorf("tektronix: channel must be 1..4, got %q", channel)
	}
	return strconv.Itoa(n), nil
}

// SetScale sets the vertical scale of a channel in volts per division.
func (s *Scope) SetScale(channel string, v float64) error {
	ch, err := chn(channel)
	if err != nil {
		return err
	}
	return s.Write(fmt.Sprintf("CH%s:SCAle %G", ch, v))
}

// GetScale returns the vertical scale of a channel in volts per division.
func (s *Scope) GetScale(channel string) (float64, error) {
	ch, err := chn(channel)
	if err != nil {
		return 0, err
	}
	return s.ReadFloat(fmt.Sprintf("CH%s:SCAle?", ch))
}

// SetOffset sets the vertical offset of a channel in volts.
func (s *Scope) SetOffset(channel string, v float64) error {
	ch, err := chn(channel)
	if err != nil {
		return err
	}
	return s.Write(fmt.Sprintf("CH%s:OFFSet %G", ch, v))
}

// GetOffset returns the vertical offset of a channel in volts.
func (s *Scope) GetOffset(channel string) (float64, error) {
	ch, err := chn(channel)
	if err != nil {
		return 0, err
	}
	return s.ReadFloat(fmt.Sprintf("CH%s:OFFSet?", ch))
}

// SetCoupling sets the input coupling of a channel, AC, DC, or GND.
func (s *Scope) SetCoupling(channel, coupling string) error {
	ch, err := chn(channel)
	if err != nil {
		return err
	}
	c := strings.ToUpper(coupling)
	switch c {
	case "AC", "DC", "GND":
	default:
		return fmt.Errorf("tektronix: coupling must be AC, DC, or GND, got %q", coupling)
	}
	return s.Write(fmt.Sprintf("CH%s:COUPling %s", ch, c))
}

// GetCoupling returns the input coupling of a channel.
func (s *Scope) GetCoupling(channel string) (string, error) {
	ch, err := chn(channel)
	if err != nil {
		return "", err
	}
	return s.ReadString(fmt.Sprintf("CH%s:COUPling?", ch))
}

// SetBandwidthLimit sets the bandwidth limit of a channel in Hz.  Zero means
// full bandwidth.
func (s *Scope) SetBandwidthLimit(channel string, hz float64) error {
	ch, err := chn(channel)
	if err != nil {
		return err
	}
	if hz == 0 {
		return s.Write(fmt.Sprintf("CH%s:BANdwidth FULl", ch))
	}
	return s.Write(fmt.Sprintf("CH%s:BANdwidth %G", ch, hz))
}

// GetBandwidthLimit returns the bandwidth limit of a channel in Hz.
func (s *Scope) GetBandwidthLimit(channel string) (float64, error) {
	ch, err := chn(channel)
	if err != nil {
		return 0, err
	}
	return s.ReadFloat(fmt.Sprintf("CH%s:BANdwidth?", ch))
}

// SetChannelEnabled turns display and acquisition of a channel on or off.
func (s *Scope) SetChannelEnabled(channel string, on bool) error {
	ch, err := chn(channel)
	if err != nil {
		return err
	}
	state := "OFF"
	if on {
		state = "ON"
	}
	return s.Write(fmt.Sprintf("SELect:CH%s %s", ch, state))
}

// GetChannelEnabled reports whether a channel is acquiring.
func (s *Scope) GetChannelEnabled(channel string) (bool, error) {
	ch, err := chn(channel)
	if err != nil {
		return false, err
	}
	i, err := s.ReadInt(fmt.Sprintf("SELect:CH%s?", ch))
	return i == 1, err
}

// SetTriggerSource sets the edge trigger source to a channel.
func (s *Scope) SetTriggerSource(channel string) error {
	ch, err := chn(channel)
	if err != nil {
		return err
	}
	return s.Write(fmt.Sprintf("TRIGger:A:EDGE:SOUrce CH%s", ch))
}

// GetTriggerSource returns the edge trigger source channel.
func (s *Scope) GetTriggerSource() (string, error) {
	resp, err := s.ReadString("TRIGger:A:EDGE:SOUrce?")
	return strings.TrimPrefix(resp, "CH"), err
}

// SetTriggerLevel sets the edge trigger level in volts.
func (s *Scope) SetTriggerLevel(v float64) error {
	return s.Write(fmt.Sprintf("TRIGger:A:LEVel %G", v))
}

// GetTriggerLevel returns the edge trigger level in volts.
func (s *Scope) GetTriggerLevel() (float64, error) {
	return s.ReadFloat("TRIGger:A:LEVel?")
}

// SetTriggerSlope sets the edge trigger slope, RISE or FALL.
func (s *Scope) SetTriggerSlope(slope string) error {
	sl := strings.ToUpper(slope)
	switch sl {
	case "RISE", "RISING":
		sl = "RISe"
	case "FALL", "FALLING":
		sl = "FALL"
	default:
		return fmt.Errorf("tektronix: slope must be rise or fall, got %q", slope)
	}
	return s.Write(fmt.Sprintf("TRIGger:A:EDGE:SLOpe %s", sl))
}

// GetTriggerSlope returns the edge trigger slope.
func (s *Scope) GetTriggerSlope() (string, error) {
	return s.ReadString("TRIGger:A:EDGE:SLOpe?")
}

// SetTimebase sets the horizontal scale in seconds per division.
func (s *Scope) SetTimebase(secPerDiv float64) error {
	return s.Write(fmt.Sprintf("HORizontal:SCAle %G", secPerDiv))
}

// GetTimebase returns the horizontal scale in seconds per division.
func (s *Scope) GetTimebase() (float64, error) {
	return s.ReadFloat("HORizontal:SCAle?")
}

// SetTimebasePosition sets the horizontal position in percent of the record.
func (s *Scope) SetTimebasePosition(pct float64) error {
	return s.Write(fmt.Sprintf("HORizontal:POSition %G", pct))
}

// GetTimebasePosition returns the horizontal position in percent.
func (s *Scope) GetTimebasePosition() (float64, error) {
	return s.ReadFloat("HORizontal:POSition?")
}

// AutoSet runs the scope's autoset routine and waits for it to settle.
func (s *Scope) AutoSet() error {
	if err := s.Write("AUTOSet EXECute"); err != nil {
		return err
	}
	time.Sleep(autosetSettle)
	return nil
}

// readBlock consumes an IEEE 488.2 definite-length block, '#' then a digit
// count, then the decimal byte count, then the payload.
func readBlock(br *bufio.Reader) ([]byte, error) {
	start, err := br.ReadByte()
	if err != nil {
		return nil, err
	}
	if start != '#' {
		return nil, fmt.Errorf("tektronix: block does not start with #, got %q", start)
	}
	nd, err := br.ReadByte()
	if err != nil {
		return nil, err
	}
	digits := int(nd - '0')
	if digits < 1 || digits > 9 {
		return nil, fmt.Errorf("tektronix: block length has %q digits", nd)
	}
	lenBuf := make([]byte, digits)
	if _, err := io.ReadFull(br, lenBuf); err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(string(lenBuf))
	if err != nil {
		return nil, fmt.Errorf("tektronix: malformed block length %q", lenBuf)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(br, data); err != nil {
		return nil, err
	}
	return data, nil
}

// curve fetches the raw CURVE? block for the currently selected data source.
// The response can be far larger than one line, so it bypasses the usual
// query path and streams from the connection.
func (s *Scope) curve() ([]byte, error) {
	conn, err := s.Pool.Get()
	if err != nil {
		return nil, err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	wrap, err := comm.NewTimeout(conn, curveTimeout)
	if err != nil {
		return nil, err
	}
	_, err = io.WriteString(wrap, "CURVE?\n")
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(wrap)
	var data []byte
	data, err = readBlock(br)
	if err != nil {
		return nil, err
	}
	// eat the trailing newline so the connection is clean for reuse
	br.ReadByte()
	return data, nil
}

// AcquireWaveform pulls the current record for each channel and returns it
// with the preamble scaling applied lazily via oscilloscope.Channel.
func (s *Scope) AcquireWaveform(channels []string) (oscilloscope.Waveform, error) {
	ret := oscilloscope.Waveform{Channels: make(map[string]oscilloscope.Channel, len(channels))}
	if len(channels) == 0 {
		return ret, fmt.Errorf("tektronix: no channels requested")
	}
	recLen, err := s.ReadInt("HORizontal:RECOrdlength?")
	if err != nil {
		return ret, err
	}
	setup := []string{
		"DATA:STARt 1",
		fmt.Sprintf("DATA:STOP %d", recLen),
		"DATA:WIDth 1",
		"DATA:ENCdg RPBinary",
	}
	for _, cmd := range setup {
		if err := s.Write(cmd); err != nil {
			return ret, err
		}
	}
	for i, channel := range channels {
		ch, err := chn(channel)
		if err != nil {
			return ret, err
		}
		if err := s.Write(fmt.Sprintf("DATA:SOUrce CH%s", ch)); err != nil {
			return ret, err
		}
		if i == 0 {
			// the time axis is shared across channels
			xze, err := s.ReadFloat("WFMPre:XZEro?")
			if err != nil {
				return ret, err
			}
			xin, err := s.ReadFloat("WFMPre:XINcr?")
			if err != nil {
				return ret, err
			}
			ret.T0 = xze
			ret.DT = xin
		}
		yze, err := s.ReadFloat("WFMPre:YZEro?")
		if err != nil {
			return ret, err
		}
		ymu, err := s.ReadFloat("WFMPre:YMUlt?")
		if err != nil {
			return ret, err
		}
		yoff, err := s.ReadFloat("WFMPre:YOFf?")
		if err != nil {
			return ret, err
		}
		raw, err := s.curve()
		if err != nil {
			return ret, err
		}
		ret.Channels[ch] = oscilloscope.Channel{
			Data:      raw,
			Scale:     ymu,
			Offset:    yze,
			Reference: yoff,
		}
	}
	ret.Acquired = time.Now()
	return ret, nil
}

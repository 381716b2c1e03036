/*Package usbtmc implements datagram encoding and decoding for USB Test and
Measurement Class devices, enough to run single-packet bulk transfers against
bench instruments.

It does not implement multi-packet messaging and thus assumes your data fits
in the remote's buffer.  Devices expose the usual io.ReadWriteCloser shape so
they can sit behind a comm.Pool like any other transport.
*/
package usbtmc

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/google/gousb"
)

const (
	reserved = 0x00

	msgDevDepOut       = 0x01
	msgRequestDevDepIn = 0x02

	headerLen = 12
	alignment = 4
	bufSize   = 1500
)

// bTagGen is a concurrent-safe bTag generator.  Tags cycle through 1..255;
// zero is forbidden by the standard.
type bTagGen struct {
	sync.Mutex
	value byte
}

func (b *bTagGen) next() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value == 0 {
		b.value = 1
	}
	return b.value
}

// invbTag computes the bitwise inversion of a bTag, per standard table 1
// offset 2
func invbTag(b byte) byte {
	return b ^ 0xff
}

// encBulkOutHeader creates the DEV_DEP_MSG_OUT header, standard table 3.
// The message is always marked end-of-message.
func encBulkOutHeader(tag byte, datalen int) [headerLen]byte {
	out := [headerLen]byte{}
	out[0] = msgDevDepOut
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	out[8] = 0x01 // EOM
	return out
}

// encBulkInHeader creates the REQUEST_DEV_DEP_MSG_IN header, standard table 4.
// If terminator is nil the term-char bit is cleared.
func encBulkInHeader(tag byte, bufsize int, terminator *byte) [headerLen]byte {
	out := [headerLen]byte{}
	out[0] = msgRequestDevDepIn
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	if terminator != nil {
		out[8] = 0x02 // TermCharEnabled
		out[9] = *terminator
	}
	return out
}

// Device is a USBTMC instrument on the bulk endpoints.  It satisfies
// io.ReadWriteCloser; reads request one datagram and return its body.
type Device struct {
	tagger bTagGen
	ctx    *gousb.Context
	device *gousb.Device
	iface  *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	closer func()
}

// NewDevice opens the USB device with the given vendor and product ID and
// claims its default interface.
func NewDevice(vid, pid uint16) (*Device, error) {
	d := &Device{ctx: gousb.NewContext()}
	var err error
	d.device, err = d.ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		d.ctx.Close()
		return nil, err
	}
	if d.device == nil {
		d.ctx.Close()
		return nil, fmt.Errorf("usbtmc: no device with VID:PID %04x:%04x", vid, pid)
	}
	if err = d.device.SetAutoDetach(true); err != nil {
		d.device.Close()
		d.ctx.Close()
		return nil, err
	}
	d.iface, d.closer, err = d.device.DefaultInterface()
	if err != nil {
		d.device.Close()
		d.ctx.Close()
		return nil, err
	}
	d.in, err = d.iface.InEndpoint(2)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.out, err = d.iface.OutEndpoint(2)
	if err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Read requests one datagram from the instrument and copies its body into p.
func (d *Device) Read(p []byte) (int, error) {
	term := byte('\n')
	hdr := encBulkInHeader(d.tagger.next(), bufSize, &term)
	n, err := d.out.Write(hdr[:])
	if err != nil {
		return 0, err
	}
	if n < headerLen {
		// attempt a second write of the remainder
		n2, err := d.out.Write(hdr[n:])
		if err != nil {
			return 0, err
		}
		if n+n2 != headerLen {
			return 0, fmt.Errorf("usbtmc: wrote %d of %d read-request bytes", n+n2, headerLen)
		}
	}
	buf := make([]byte, bufSize)
	n, err = d.in.Read(buf)
	if err != nil {
		return 0, err
	}
	if n < headerLen {
		return 0, fmt.Errorf("usbtmc: received %d bytes, need at least %d for a header", n, headerLen)
	}
	body := buf[headerLen:n]
	if len(body) > len(p) {
		return 0, io.ErrShortBuffer
	}
	return copy(p, body), nil
}

// Write sends p as one DEV_DEP_MSG_OUT transfer, padded to the 4-byte
// alignment the standard requires.
func (d *Device) Write(p []byte) (int, error) {
	hdr := encBulkOutHeader(d.tagger.next(), len(p))
	msg := append(hdr[:], p...)
	if residual := len(msg) % alignment; residual > 0 {
		msg = append(msg, make([]byte, alignment-residual)...)
	}
	if _, err := d.out.Write(msg); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close releases the interface and the USB context.
func (d *Device) Close() error {
	if d.closer != nil {
		d.closer()
	}
	var err error
	if d.device != nil {
		err = d.device.Close()
	}
	if d.ctx != nil {
		if cerr := d.ctx.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

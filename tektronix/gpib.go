package tektronix

import (
	"fmt"
	"io"
	"strings"

	"github.com/sidetlab/tctserve/comm"

	"github.com/gotmc/prologix"
	"github.com/gotmc/prologix/driver/vcp"
	"github.com/gotmc/query"
)

// gpibConn adapts a Prologix controller-in-charge to the io.ReadWriteCloser
// shape the comm pool expects.  The adapter does not read-after-write, so
// every Read is preceded by a ++read eoi to address the instrument to talk.
type gpibConn struct {
	gpib *prologix.Controller
	port io.Closer
}

func (g *gpibConn) Write(p []byte) (int, error) {
	return g.gpib.Write(p)
}

func (g *gpibConn) Read(p []byte) (int, error) {
	if err := g.gpib.CommandController("read eoi"); err != nil {
		return 0, err
	}
	return g.gpib.Read(p)
}

func (g *gpibConn) Close() error {
	return g.port.Close()
}

// GPIBConnMaker returns a comm.CreationFunc which opens the Prologix adapter
// on the given virtual COM port and addresses the instrument at addr.
func GPIBConnMaker(port string, addr int) comm.CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		sp, err := vcp.NewVCP(port)
		if err != nil {
			return nil, err
		}
		gpib, err := prologix.NewController(sp, addr, true)
		if err != nil {
			sp.Close()
			return nil, err
		}
		return &gpibConn{gpib: gpib, port: sp}, nil
	}
}

// NewGPIB creates a Scope behind a Prologix GPIB adapter.
func NewGPIB(port string, addr int) *Scope {
	pool := comm.NewPool(1, poolIdle, GPIBConnMaker(port, addr))
	return New(pool)
}

// FindOnBus scans the GPIB bus for a DPO7000-series scope and returns its
// address.  It is the fallback when the configured address does not answer.
func FindOnBus(port string) (int, error) {
	sp, err := vcp.NewVCP(port)
	if err != nil {
		return 0, err
	}
	defer sp.Close()
	gpib, err := prologix.NewController(sp, 1, false)
	if err != nil {
		return 0, err
	}
	for addr := 1; addr <= 30; addr++ {
		if err := gpib.CommandController(fmt.Sprintf("addr %d", addr)); err != nil {
			return 0, err
		}
		idn, err := query.String(gpib, "*IDN?")
		if err != nil || idn == "" {
			continue
		}
		up := strings.ToUpper(idn)
		if strings.Contains(up, "TEKTRONIX") && strings.Contains(up, "DPO7") {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("tektronix: no DPO7000-series scope found on %s", port)
}

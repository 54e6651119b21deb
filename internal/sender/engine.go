// Package sender implements the paced transmit loop that drains a Program
// onto a SerialPort under RTS/CTS hardware flow control.
package sender

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/curtwelch/matsend/internal/program"
	"github.com/curtwelch/matsend/internal/serialio"
)

// ChunkMax is the largest read handed to a single write. The Matsuura can
// turn RTS off after as few as ~10 characters into a dense M-block
// sequence; keeping each host write near one flow-control cycle's worth
// keeps the kernel/USB TX queue — which nothing can flush except a
// close/reopen — from growing unboundedly, which is what would otherwise
// defeat a user "stop".
const ChunkMax = 50

const (
	baud        = 9600
	bitsPerChar = 10
)

// Engine paces writes of a single Program onto a Port.
type Engine struct {
	port serialio.Port
	log  *log.Logger
}

// New returns an Engine bound to port.
func New(port serialio.Port, logger *log.Logger) *Engine {
	return &Engine{port: port, log: logger}
}

// Result reports what a single Tick did, so the caller (the daemon's event
// loop) can update its sticky status and next-wake deadline.
type Result struct {
	// Done is true if the Program reached EOF this tick and was consumed.
	Done bool
	// FinalStatus is set when Done is true: the terminal "Sent: ..." status
	// to promote into the sticky-status slot.
	FinalStatus string
	// NextDeadline is the earliest time the engine should be ticked again,
	// set whenever a write went out. Zero if nothing was written.
	NextDeadline time.Time
	// Wrote is true if bytes went out this tick.
	Wrote bool
}

// Tick runs one iteration of the paced transmit loop for p. The caller must
// only invoke Tick when the port is open and a Program is installed.
//
// Per spec: read CTS first (this doubles as the health check that turns a
// silent USB unplug into a port-close event), then, if the program isn't
// already finished, write only when both the local TX queue is empty and
// the controller is asking for data.
func (e *Engine) Tick(p *program.Program) Result {
	cts := e.port.CTS()

	if p.EOF() {
		return Result{Done: true, FinalStatus: p.Status()}
	}

	if e.port.OutWaiting() != 0 || !cts {
		return Result{}
	}

	line, ok := p.ReadLine(ChunkMax)
	if !ok {
		// Can't happen: EOF was checked above.
		return Result{}
	}

	n, ok := e.port.Write([]byte(line))
	if !ok {
		e.log.Warn("write failed, port closed", "program", p.Name())
		return Result{}
	}

	deadline := time.Now().Add(writeSettleTime(n))
	return Result{Wrote: true, NextDeadline: deadline}
}

// writeSettleTime is how long the line takes to leave the wire at 9600
// baud, 10 bits per character (1 start + 8 data + 1 stop, no parity). The
// -1 lets the loop wake just as the last bit finishes instead of waiting a
// whole extra character time, avoiding an idle gap on the line.
func writeSettleTime(n int) time.Duration {
	if n <= 1 {
		return 0
	}
	seconds := float64(n-1) / (float64(baud) / bitsPerChar)
	return time.Duration(seconds * float64(time.Second))
}

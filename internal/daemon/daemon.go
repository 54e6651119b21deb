// Package daemon wires a SerialPort, a Sender Engine, and a line-oriented
// JSON control protocol into the single event loop that owns all mutable
// state: the one SerialPort, the at-most-one active Program, and the
// sticky status slot.
package daemon

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"

	"github.com/curtwelch/matsend/internal/program"
	"github.com/curtwelch/matsend/internal/protocol"
	"github.com/curtwelch/matsend/internal/sender"
	"github.com/curtwelch/matsend/internal/serialio"
)

const (
	minWait = 20 * time.Millisecond
	maxWait = 1 * time.Second

	// recvSize mirrors the original's single-recv assumption: one request
	// is expected to arrive in one read. A robust implementation would
	// buffer until a full JSON object is parseable; that is a known
	// limitation, not fixed here.
	recvSize = 1024
)

// call is one parsed request in flight from a connection goroutine to the
// event loop, along with where to deliver the reply.
type call struct {
	req    protocol.Request
	respCh chan protocol.Response
}

// Daemon owns one SerialPort, at most one Program, and the sticky status
// slot, and runs the single loop that mutates all three. Every field other
// than calls and log is touched only from the goroutine running Run.
type Daemon struct {
	uploadDir string

	port   serialio.Port
	engine *sender.Engine
	prog   *program.Program

	sticky   string
	lastCTS  bool
	deadline time.Time

	log *log.Logger

	calls chan call
}

// New returns a Daemon bound to port, serving files out of uploadDir.
func New(port serialio.Port, uploadDir string, logger *log.Logger) *Daemon {
	return &Daemon{
		uploadDir: uploadDir,
		port:      port,
		engine:    sender.New(port, logger),
		log:       logger,
		calls:     make(chan call),
	}
}

// Run accepts connections on ln and drives the event loop until ctx is
// canceled. It always leaves the serial port closed on return; the caller
// is responsible for closing ln.
func (d *Daemon) Run(ctx context.Context, ln net.Listener) error {
	defer d.port.Close()

	go d.acceptLoop(ctx, ln)

	if err := d.port.Open(); err != nil {
		d.log.Warn("initial serial open failed, will retry", "port", d.port.Name(), "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case c := <-d.calls:
			c.respCh <- d.dispatch(c.req)

		case <-time.After(d.waitTimeout()):
			d.tick()
		}
	}
}

// acceptLoop accepts connections on ln until ctx is done or the listener is
// closed, spawning one goroutine per connection. It never touches Daemon
// state directly; connections only reach the event loop via d.calls.
func (d *Daemon) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				d.log.Warn("accept failed", "err", err)
				return
			}
		}
		go d.handleConn(ctx, conn)
	}
}

// handleConn services one control connection: it is read in a loop because
// the protocol leaves the connection open after a reply (the client closes
// it), even though in practice exactly one request per connection is sent.
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	buf := make([]byte, recvSize)
	for {
		n, err := conn.Read(buf)
		if n == 0 || err != nil {
			return
		}
		data := buf[:n]

		if !utf8.Valid(data) {
			// No binary mode in this protocol: drop the connection with no
			// reply, matching the original's UnicodeError handling.
			return
		}

		trimmed := strings.TrimSpace(string(data))

		req, perr := protocol.ParseRequest([]byte(trimmed))
		var resp protocol.Response
		if perr != nil {
			resp = protocol.Fail(capitalize(perr.Error()))
		} else {
			respCh := make(chan protocol.Response, 1)
			select {
			case d.calls <- call{req: req, respCh: respCh}:
				resp = <-respCh
			case <-ctx.Done():
				return
			}
		}

		if _, err := conn.Write(resp.Encode()); err != nil {
			return
		}
	}
}

// dispatch runs entirely inside the event-loop goroutine: it is the only
// place that reads or writes prog and sticky.
func (d *Daemon) dispatch(req protocol.Request) protocol.Response {
	switch req.Cmd {
	case protocol.CmdStart:
		return d.handleStart(req.File)
	case protocol.CmdStop:
		return d.handleStop()
	case protocol.CmdStatus:
		return d.handleStatus()
	default:
		return protocol.Fail("Unknown command")
	}
}

func (d *Daemon) handleStart(file string) protocol.Response {
	if file == "" {
		return protocol.Fail("Missing 'file' label in start request.")
	}
	if d.prog != nil {
		return protocol.Fail(fmt.Sprintf("Already Busy Sending %s", d.prog.Name()))
	}
	if !d.port.IsOpen() {
		return protocol.Fail("Can't send, serial port problem. Check cable.")
	}

	p, err := program.Load(d.uploadDir, file)
	if err != nil {
		return protocol.Fail(err.Error())
	}

	d.prog = p
	d.sticky = ""
	d.deadline = time.Time{}
	d.log.Info("transfer started", "file", file)
	return protocol.OK(p.Status())
}

func (d *Daemon) handleStop() protocol.Response {
	if d.prog == nil {
		d.sticky = ""
		return protocol.Fail("Already stopped")
	}

	name := d.prog.Name()
	d.prog = nil
	d.sticky = fmt.Sprintf("Stopped: %s", name)
	if err := d.port.Drain(); err != nil {
		d.log.Warn("drain on stop failed", "err", err)
	}
	d.log.Info("transfer stopped", "file", name)
	return protocol.OK(d.sticky)
}

func (d *Daemon) handleStatus() protocol.Response {
	if !d.port.IsOpen() {
		return protocol.OK(fmt.Sprintf("Cannot open serial port: %s", d.port.Name()))
	}
	if d.prog != nil {
		return protocol.OK(d.prog.Status())
	}
	if d.sticky != "" {
		return protocol.OK(d.sticky)
	}
	return protocol.OK("Idle")
}

// tick runs the part of the loop that does not originate from a client
// request: reopening a closed port, dropping a Program orphaned by port
// loss, and running one Sender Engine step when a write is due.
func (d *Daemon) tick() {
	if !d.port.IsOpen() {
		if d.prog != nil {
			d.log.Warn("serial port lost mid-transfer", "file", d.prog.Name())
			d.prog = nil
			d.sticky = ""
		}
		if err := d.port.Open(); err != nil {
			return
		}
		d.log.Info("serial port opened", "port", d.port.Name())
	}

	if d.prog == nil || time.Now().Before(d.deadline) {
		return
	}

	result := d.engine.Tick(d.prog)
	if result.Done {
		d.sticky = result.FinalStatus
		d.prog = nil
		return
	}
	if result.Wrote {
		d.deadline = result.NextDeadline
	}
}

// waitTimeout implements the §4.5 step-4 formula: bounded between 20ms and
// 1s, tracking the next scheduled write when a Program is active so the
// loop wakes in time to pace it, and falling back to the 1s ceiling
// otherwise so port reopen and CTS changes are still observed promptly.
func (d *Daemon) waitTimeout() time.Duration {
	if d.prog == nil {
		return maxWait
	}
	remaining := time.Until(d.deadline)
	if remaining < minWait {
		return minWait
	}
	if remaining > maxWait {
		return maxWait
	}
	return remaining
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

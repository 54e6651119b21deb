// Package serialio wraps the OS serial handle used to talk to the Matsuura
// controller, hiding the open/close/error-recovery policy behind a small
// capability interface so the sender and its tests can swap in a fake.
package serialio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	baud        = 9600
	bitsPerChar = 10 // 1 start + 8 data + 1 stop, no parity
)

// OpenFailed reports that the OS could not open the serial device. Busy is
// set when the failure looks like another process already holds the port
// exclusively, so callers can log a more specific message.
type OpenFailed struct {
	Reason string
	Busy   bool
}

func (e *OpenFailed) Error() string {
	return fmt.Sprintf("open serial port: %s", e.Reason)
}

// Port is the capability set the rest of the daemon needs from a serial
// device. Every method that can fail follows the same policy: an OS error
// closes the port immediately and the method returns its zero value. There
// is no retry inside the wrapper; reopening is the caller's job on its next
// tick.
type Port interface {
	// Open opens the device at 9600 8N1.
	Open() error
	// IsOpen reports whether the port currently holds a live handle.
	IsOpen() bool
	// Name returns the configured device path, open or not.
	Name() string
	// CTS reads the Clear-To-Send modem line. Returns false on any error,
	// which also closes the port.
	CTS() bool
	// SetRTS asserts or clears the Request-To-Send output line. Failure
	// closes the port silently.
	SetRTS(on bool)
	// ReadAll returns bytes received from the device. Failure closes the
	// port and returns nil. SerialPort sets no read timeout, so its ReadAll
	// blocks until at least one byte arrives; Fake's always returns nil.
	ReadAll() []byte
	// Write pushes bytes to the kernel and reports how many were accepted.
	// The second return is false if the write failed, in which case the
	// port has been closed.
	Write(p []byte) (int, bool)
	// OutWaiting estimates how many bytes are still queued for
	// transmission. Returns 0 on error or when the port is closed.
	OutWaiting() int
	// Drain discards in-flight bytes by closing and reopening the device.
	// This is the only way to abort a transmission already queued: the
	// platform gives no flush primitive that reaches the USB adapter's own
	// buffer.
	Drain() error
	// Close releases the OS handle, if any.
	Close()
}

// SerialPort is the real Port implementation, backed by go.bug.st/serial.
type SerialPort struct {
	name string

	mu       sync.Mutex
	handle   serial.Port
	lastRTS  bool
	pending  int       // software estimate of bytes still in flight
	pendingT time.Time // when pending was last updated
}

// New returns a Port bound to the given device path. The device is not
// opened yet; call Open (or let the daemon's reopen loop do it).
func New(name string) *SerialPort {
	return &SerialPort{name: name}
}

func (p *SerialPort) Name() string {
	return p.name
}

func (p *SerialPort) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle != nil
}

// Open opens the device at 9600 8N1. The mode sets no flow control, so
// RTS/CTS hardware flow control is not enabled on the line; the sender
// reads CTS itself before each write. Exclusive access is whatever
// go.bug.st/serial applies on open. RTS is asserted once on success so the
// controller sees a stable request-to-send line from the moment we attach.
func (p *SerialPort) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	h, err := serial.Open(p.name, mode)
	if err != nil {
		busy := false
		var portErr *serial.PortError
		if errors.As(err, &portErr) {
			busy = portErr.Code() == serial.PortBusy
		}
		return &OpenFailed{Reason: err.Error(), Busy: busy}
	}

	if err := h.SetRTS(true); err != nil {
		h.Close()
		return &OpenFailed{Reason: err.Error()}
	}

	p.handle = h
	p.lastRTS = true
	p.pending = 0
	p.pendingT = time.Now()
	return nil
}

func (p *SerialPort) CTS() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == nil {
		return false
	}
	bits, err := p.handle.GetModemStatusBits()
	if err != nil {
		p.closeLocked()
		return false
	}
	return bits.CTS
}

func (p *SerialPort) SetRTS(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == nil {
		return
	}
	if err := p.handle.SetRTS(on); err != nil {
		p.closeLocked()
		return
	}
	p.lastRTS = on
}

func (p *SerialPort) ReadAll() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == nil {
		return nil
	}
	buf := make([]byte, 4096)
	n, err := p.handle.Read(buf)
	if err != nil {
		p.closeLocked()
		return nil
	}
	return buf[:n]
}

func (p *SerialPort) Write(data []byte) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == nil {
		return 0, false
	}
	n, err := p.handle.Write(data)
	if err != nil {
		p.closeLocked()
		return 0, false
	}
	p.settlePendingLocked()
	p.pending += n
	return n, true
}

// OutWaiting estimates the kernel/USB TX queue depth. go.bug.st/serial does
// not expose a portable query for this (unlike a raw termios fd, the
// library's Port interface has no TIOCOUTQ equivalent), so it is tracked in
// software: every accepted Write adds its byte count, and bytes are retired
// at the nominal line rate as real time passes. The sender's next-write
// deadline comes one character time before this estimate reaches zero, so
// at that deadline the estimate still counts the chunk's last character.
func (p *SerialPort) OutWaiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == nil {
		return 0
	}
	p.settlePendingLocked()
	return p.pending
}

func (p *SerialPort) settlePendingLocked() {
	now := time.Now()
	if p.pending == 0 {
		p.pendingT = now
		return
	}
	charTime := time.Second / (baud / bitsPerChar)
	drained := int(now.Sub(p.pendingT) / charTime)
	if drained >= p.pending {
		p.pending = 0
		p.pendingT = now
	} else {
		p.pending -= drained
		p.pendingT = p.pendingT.Add(time.Duration(drained) * charTime)
	}
}

func (p *SerialPort) Drain() error {
	p.mu.Lock()
	p.closeLocked()
	p.mu.Unlock()
	return p.Open()
}

func (p *SerialPort) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *SerialPort) closeLocked() {
	if p.handle != nil {
		p.handle.Close()
		p.handle = nil
	}
	p.pending = 0
}

package serialio

import "sync"

// Fake is a deterministic stand-in for SerialPort used by tests. It lets a
// test script CTS transitions, inject I/O errors on CTS reads, writes and
// opens, and record
// every write that actually reached the "wire" so stop/drain behavior can be
// asserted.
type Fake struct {
	mu sync.Mutex

	name string
	open bool

	ctsValue   bool
	failCTS    bool
	failWrite  bool
	failRTS    bool
	outWaiting int

	draining bool // true after Drain closed it, until the test lets it reopen
	openErr  error

	Writes [][]byte
	RTSLog []bool
}

// NewFake returns a Fake that opens successfully by default.
func NewFake(name string) *Fake {
	return &Fake{name: name}
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.open = true
	f.draining = false
	return nil
}

func (f *Fake) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *Fake) CTS() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return false
	}
	if f.failCTS {
		f.failCTS = false
		f.open = false
		return false
	}
	return f.ctsValue
}

func (f *Fake) SetRTS(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return
	}
	if f.failRTS {
		f.open = false
		return
	}
	f.RTSLog = append(f.RTSLog, on)
}

func (f *Fake) ReadAll() []byte {
	return nil
}

func (f *Fake) Write(p []byte) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open || f.failWrite {
		f.open = false
		return 0, false
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	f.Writes = append(f.Writes, cp)
	f.outWaiting += len(p)
	return len(p), true
}

func (f *Fake) OutWaiting() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return 0
	}
	return f.outWaiting
}

func (f *Fake) Drain() error {
	f.mu.Lock()
	f.open = false
	f.draining = true
	f.outWaiting = 0
	f.mu.Unlock()
	return f.Open()
}

func (f *Fake) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
}

// SetCTS lets a test toggle the CTS line the fake reports.
func (f *Fake) SetCTS(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctsValue = v
}

// DrainOutWaiting resets the tracked output queue to simulate the wire
// having caught up, independent of real time passing.
func (f *Fake) DrainOutWaiting() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outWaiting = 0
}

// FailNextCTS makes the next CTS() call look like an OS error, closing the
// port, simulating an unplugged adapter.
func (f *Fake) FailNextCTS() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCTS = true
}

// FailWrites makes every subsequent Write fail until reset.
func (f *Fake) FailWrites(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrite = v
}

// FailOpen makes every subsequent Open attempt return err until it is reset
// with FailOpen(nil).
func (f *Fake) FailOpen(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

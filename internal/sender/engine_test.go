package sender

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/curtwelch/matsend/internal/program"
	"github.com/curtwelch/matsend/internal/serialio"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{Level: log.FatalLevel})
}

func loadProgram(t *testing.T, content string) *program.Program {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "job.nc"), []byte(content), 0o644); err != nil {
		t.Fatalf("fixture: %v", err)
	}
	p, err := program.Load(dir, "job.nc")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return p
}

func TestTickHoldsWritesWhileCTSLow(t *testing.T) {
	port := serialio.NewFake("fake0")
	port.Open()
	port.SetCTS(false)

	p := loadProgram(t, "G0\n%\n")
	eng := New(port, testLogger())

	for i := 0; i < 5; i++ {
		res := eng.Tick(p)
		if res.Wrote {
			t.Fatalf("tick %d wrote with CTS low", i)
		}
	}
	if len(port.Writes) != 0 {
		t.Fatalf("expected zero writes, got %d", len(port.Writes))
	}
}

func TestTickResumesWhenCTSGoesHigh(t *testing.T) {
	port := serialio.NewFake("fake0")
	port.Open()
	port.SetCTS(false)

	p := loadProgram(t, "G0\nG1\n%\n")
	eng := New(port, testLogger())

	eng.Tick(p)
	if len(port.Writes) != 0 {
		t.Fatalf("wrote before CTS went high")
	}

	port.SetCTS(true)
	res := eng.Tick(p)
	if !res.Wrote {
		t.Fatalf("expected a write once CTS went high")
	}
	if string(port.Writes[0]) != "\r\n" {
		t.Fatalf("first write = %q, want leader", port.Writes[0])
	}

	port.DrainOutWaiting()
	res = eng.Tick(p)
	if !res.Wrote {
		t.Fatalf("expected a second write in order")
	}
	if string(port.Writes[1]) != "G0 \r\n" {
		t.Fatalf("second write = %q, want %q", port.Writes[1], "G0 \r\n")
	}
}

func TestTickRespectsOutWaiting(t *testing.T) {
	port := serialio.NewFake("fake0")
	port.Open()
	port.SetCTS(true)

	p := loadProgram(t, "G0\n%\n")
	eng := New(port, testLogger())

	eng.Tick(p)
	before := len(port.Writes)

	// Out-waiting is still nonzero (nothing retired it), so a second tick
	// must not write again.
	eng.Tick(p)
	if len(port.Writes) != before {
		t.Fatalf("wrote again while out_waiting was nonzero")
	}
}

func TestTickReportsDoneAtEOF(t *testing.T) {
	port := serialio.NewFake("fake0")
	port.Open()
	port.SetCTS(true)

	p := loadProgram(t, "\n\n%\n") // two lines total: the leader, then the standalone sentinel

	eng := New(port, testLogger())
	eng.Tick(p) // writes the leader
	port.DrainOutWaiting()
	eng.Tick(p) // writes the sentinel line, reaching EOF
	port.DrainOutWaiting()

	res := eng.Tick(p)
	if !res.Done {
		t.Fatalf("expected Done once the program reaches EOF")
	}
	if res.FinalStatus == "" {
		t.Fatalf("expected a non-empty final status")
	}
}

func TestWriteSettleTimePacing(t *testing.T) {
	d := writeSettleTime(10)
	// (10-1)/960 seconds ~= 9.375ms
	if d < 8*time.Millisecond || d > 11*time.Millisecond {
		t.Fatalf("writeSettleTime(10) = %v, want ~9.4ms", d)
	}
	if writeSettleTime(0) != 0 {
		t.Fatalf("writeSettleTime(0) should be zero")
	}
}

func TestTickDoesNotWriteOnClosedPort(t *testing.T) {
	port := serialio.NewFake("fake0")
	// never opened
	p := loadProgram(t, "G0\n%\n")
	eng := New(port, testLogger())

	res := eng.Tick(p)
	if res.Wrote {
		t.Fatalf("wrote on a closed port")
	}
}

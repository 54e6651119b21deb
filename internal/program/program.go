// Package program loads a G-code file, normalizes it for the Matsuura MX3
// controller, and hands it out to the sender in size-capped chunks.
package program

import (
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
)

// leader is the Leader-Skip pad the Matsuura expects at the start of every
// transmission: one blank CR LF line for its LSK feature to consume.
const leader = "\r\n"

// endOfCode is the literal end-of-code marker. It carries no trailing CR or
// LF: sending one risks it being buffered and read at the start of the next
// transfer, confusing the next user's status.
const endOfCode = "%"

// Program is one fully loaded, normalized G-code transmission.
type Program struct {
	name string

	lines   []string // each CR LF terminated, except the final "%" sentinel
	nextIdx int       // index of the next line in lines to dequeue
	residue string    // unsent suffix of the most recently dequeued line

	crc   uint32
	total int
}

// Load reads name once from dir, normalizes it per the Matsuura rules, and
// returns a Program ready to be drained by ReadLine. The OS error from
// os.ReadFile is returned unchanged; no Program is constructed on failure.
func Load(dir, name string) (*Program, error) {
	path := filepath.Join(dir, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	p := &Program{name: name}
	p.lines = normalize(raw)
	p.total = len(p.lines)
	return p, nil
}

// Name returns the base file name, without the upload directory.
func (p *Program) Name() string {
	return p.name
}

// normalize applies the Matsuura line-preparation rules to a raw file, in
// order:
//
//  1. strip trailing whitespace and upper-case each raw line.
//  2. skip blank lines until the first non-blank line.
//  3. if that first non-blank line starts with '%', discard it — it is a
//     start-of-code marker the controller must never see, because it
//     would read the first '%' in the stream as end-of-code.
//  4. discard every blank line from then on.
//  5. stop reading at the first line (after the leading region) that
//     starts with '%' — that is the real end-of-code marker.
//  6. pad every accepted line to at least 3 characters, then terminate it
//     with CR LF. Three characters works around an RS-232 Overrun alarm
//     the Matsuura raises on ultra-short blocks like "M6".
//  7. append a final "%" sentinel with no CR or LF, folded onto the last
//     accepted line so the controller reads end-of-code in the same
//     write as the line before it.
//  8. prepend a CR LF leader line for the controller's Leader-Skip.
func normalize(raw []byte) []string {
	var accepted []string
	sawLeadingPercent := false

	for _, rawLine := range strings.Split(string(raw), "\n") {
		line := strings.ToUpper(strings.TrimRight(rawLine, " \t\r\n"))

		if len(accepted) == 0 {
			if line == "" {
				continue
			}
			if !sawLeadingPercent && strings.HasPrefix(line, "%") {
				sawLeadingPercent = true
				continue
			}
		}

		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "%") {
			break
		}

		for len(line) < 3 {
			line += " "
		}
		accepted = append(accepted, line+"\r\n")
	}

	if len(accepted) == 0 {
		// No payload lines: the sentinel is the only line.
		accepted = append(accepted, endOfCode)
	} else {
		// Fold the sentinel onto the last line's CR LF so the controller
		// reads "%" in the same write as the command before it — sending
		// it separately risks the Matsuura halting (on M30, say) and
		// turning off RTS before it ever reads a standalone "%" line.
		last := len(accepted) - 1
		accepted[last] += endOfCode
	}

	return append([]string{leader}, accepted...)
}

// ReadLine dequeues up to maxSize bytes of the next unsent line. A maxSize
// of 0 means no limit. It returns false once the cursor has advanced past
// the last line and no residue remains (EOF).
func (p *Program) ReadLine(maxSize int) (string, bool) {
	if p.EOF() {
		return "", false
	}

	var src string
	if p.residue != "" {
		src = p.residue
		p.residue = ""
	} else {
		src = p.lines[p.nextIdx]
		p.nextIdx++
	}

	var out string
	if maxSize > 0 && len(src) > maxSize {
		out = src[:maxSize]
		p.residue = src[maxSize:]
	} else {
		out = src
	}

	p.crc = crc32.Update(p.crc, crc32.IEEETable, []byte(out))
	return out, true
}

// EOF reports whether the cursor has advanced past the last line and the
// residue buffer is empty.
func (p *Program) EOF() bool {
	return p.nextIdx >= len(p.lines) && p.residue == ""
}

// LinesSent returns how many of the Program's lines have been fully
// dequeued (a line currently split across the residue buffer counts as
// sent, matching the original's line-count semantics).
func (p *Program) LinesSent() int {
	return p.nextIdx
}

// TotalLines returns the total number of lines the Program will emit,
// including the leader and the sentinel.
func (p *Program) TotalLines() int {
	return p.total
}

// PercentSent returns the truncating integer percentage of lines sent.
func (p *Program) PercentSent() int {
	if p.total == 0 {
		return 100
	}
	return p.LinesSent() * 100 / p.total
}

// CRC32 returns the running CRC-32 (IEEE) over every byte ReadLine has
// released so far.
func (p *Program) CRC32() uint32 {
	return p.crc
}

// Status renders the user-visible status string the control protocol and
// the sticky-status slot report. The UI searches case-insensitively for the
// substring "Sending" to switch to fast polling, so that word must appear
// verbatim while a transfer is in progress.
func (p *Program) Status() string {
	if p.LinesSent() >= p.TotalLines() {
		return fmt.Sprintf("Sent: %s, %d lines, 100%%, crc: %08X", p.name, p.total, p.crc)
	}
	return fmt.Sprintf("Sending %s, Line %d/%d %d%%", p.name, p.LinesSent(), p.total, p.PercentSent())
}

package connection

import (
	"regexp"
	"strings"

	"github.com/hamzaKhattat/smdr-collector/internal/sanitize"
)

// A record header starts with a date token followed by a time token.
var headerPattern = regexp.MustCompile(`^%?(?:\d{2}[/-]\d{2}(?:[/-]\d{2,4})?|\d{4}-\d{2}-\d{2}|\d{6}|\d{8})\s+(?:\d{2}:\d{2}:\d{2}|\d{6})\b`)

// IsHeader reports whether line opens a new logical record.
func IsHeader(line string) bool {
	return headerPattern.MatchString(line)
}

// Framer turns an unframed byte stream into logical SMDR records. Lines
// that follow a header without a header of their own are continuation
// lines and are joined onto the pending record with a single space.
//
// Framer is not safe for concurrent use; the Manager serializes access.
type Framer struct {
	partial    string
	pending    string
	hasPending bool
}

// Split appends chunk to the buffered fragment and returns every complete,
// sanitized, non-empty line. The trailing fragment is kept for the next call.
func (f *Framer) Split(chunk []byte) []string {
	data := f.partial + string(chunk)
	parts := strings.Split(data, "\n")
	f.partial = parts[len(parts)-1]

	lines := make([]string, 0, len(parts)-1)
	for _, p := range parts[:len(parts)-1] {
		if line := sanitize.Line(strings.TrimSuffix(p, "\r")); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Push feeds one sanitized line. It returns the records that are now
// complete and whether the idle flush timer must be (re)armed.
func (f *Framer) Push(line string) (out []string, arm bool) {
	if IsHeader(line) {
		if f.hasPending {
			out = append(out, f.pending)
		}
		f.pending, f.hasPending = line, true
		return out, true
	}
	if f.hasPending {
		f.pending += " " + line
		return nil, true
	}
	return []string{line}, false
}

// Flush returns the pending record, if any, and clears it.
func (f *Framer) Flush() (string, bool) {
	if !f.hasPending {
		return "", false
	}
	rec := f.pending
	f.pending, f.hasPending = "", false
	return rec, true
}

// Pending reports whether a record is waiting for its flush.
func (f *Framer) Pending() bool {
	return f.hasPending
}

// Reset drops the buffered fragment and any pending record.
func (f *Framer) Reset() {
	f.partial = ""
	f.pending, f.hasPending = "", false
}

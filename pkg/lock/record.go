package lock

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// maxTagLength bounds the tag field (spec.md §3, §6.1).
const maxTagLength = 10000

// Record is the holder identity persisted in a lock file: a small,
// line-oriented, newline-terminated key=value text format (spec.md §6.1),
// designed to be produced and consumed identically regardless of the
// implementation language writing or reading it.
type Record struct {
	PID        uint64
	AcquiredAt int64 // seconds since Unix epoch
	Tag        string
}

// Marshal renders r in the on-disk format: one "key=value" line per field,
// LF-terminated, file mode 0600 is the caller's job (see [FS.OpenFile]).
func (r Record) Marshal() []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "pid=%d\n", r.PID)
	fmt.Fprintf(&buf, "timestamp=%d\n", r.AcquiredAt)

	if r.Tag != "" {
		fmt.Fprintf(&buf, "tag=%s\n", sanitizeTag(r.Tag))
	}

	return buf.Bytes()
}

// sanitizeTag strips C0/C1 control characters (including embedded newlines
// and carriage returns) and truncates to maxTagLength runes, per spec.md §3's
// tag invariant.
func sanitizeTag(tag string) string {
	var b strings.Builder

	count := 0

	for _, r := range tag {
		if count >= maxTagLength {
			break
		}

		if isControl(r) {
			continue
		}

		b.WriteRune(r)

		count++
	}

	return b.String()
}

func isControl(r rune) bool {
	return r <= 0x1F || r == 0x7F || (r >= 0x80 && r <= 0x9F)
}

// ParseRecord parses the §6.1 wire format. Unknown keys, blank lines, and
// comment lines (leading '#') are ignored. Missing pid or timestamp is
// reported as corruption - every lock record must identify its holder and
// acquisition time.
func ParseRecord(data []byte) (Record, error) {
	var (
		rec     Record
		havePID bool
		haveTS  bool
	)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 4096), maxTagLength+256)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r \t")
		line = strings.TrimSpace(line)

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "pid":
			pid, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return Record{}, fmt.Errorf("%w: invalid pid %q", ErrCorruptRecord, value)
			}

			rec.PID = pid
			havePID = true
		case "timestamp":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Record{}, fmt.Errorf("%w: invalid timestamp %q", ErrCorruptRecord, value)
			}

			rec.AcquiredAt = ts
			haveTS = true
		case "tag":
			rec.Tag = sanitizeTag(value)
		default:
			// unknown keys are ignored, per spec.md §6.1
		}
	}

	if err := scanner.Err(); err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}

	if !havePID || !haveTS {
		return Record{}, fmt.Errorf("%w: missing required key", ErrCorruptRecord)
	}

	return rec, nil
}

package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// ContentType classifies a snapshot's content for comparison purposes
// (spec.md §3, §4.3).
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentStructured ContentType = "structured"
	ContentBinary     ContentType = "binary"
)

// header holds the parsed §6.3 header fields.
type header struct {
	Name      string
	CreatedAt int64
	UpdatedAt int64
	Hash      string
	Size      int64
	Type      ContentType
}

const separatorLine = "---"

// marshal renders the §6.3 on-disk layout: header lines, the literal
// separator, then content verbatim.
func marshal(h header, content []byte) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "# Name: %s\n", h.Name)
	fmt.Fprintf(&buf, "# Created: %d\n", h.CreatedAt)
	fmt.Fprintf(&buf, "# Updated: %d\n", h.UpdatedAt)
	fmt.Fprintf(&buf, "# Hash: %s\n", h.Hash)
	fmt.Fprintf(&buf, "# Size: %d\n", h.Size)
	fmt.Fprintf(&buf, "# Type: %s\n", h.Type)
	buf.WriteString(separatorLine)
	buf.WriteByte('\n')
	buf.Write(content)

	return buf.Bytes()
}

// parse splits data into its header and raw content region, per §6.3.
// Unlike the header, the content region is returned unmodified - it may be
// arbitrary binary.
func parse(data []byte) (header, []byte, error) {
	var h header

	offset := 0

	for {
		idx := bytes.IndexByte(data[offset:], '\n')
		if idx == -1 {
			return header{}, nil, fmt.Errorf("%w: missing %q separator", ErrCorrupt, separatorLine)
		}

		rawLine := data[offset : offset+idx]
		offset += idx + 1

		line := strings.TrimRight(string(rawLine), "\r")

		if strings.TrimSpace(line) == separatorLine {
			return h, data[offset:], validateHeader(h)
		}

		if err := applyHeaderLine(&h, line); err != nil {
			return header{}, nil, err
		}
	}
}

func applyHeaderLine(h *header, line string) error {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	if !strings.HasPrefix(trimmed, "#") {
		return fmt.Errorf("%w: header line missing '#': %q", ErrCorrupt, line)
	}

	body := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))

	key, value, ok := strings.Cut(body, ":")
	if !ok {
		return fmt.Errorf("%w: malformed header line: %q", ErrCorrupt, line)
	}

	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.TrimSpace(value)

	switch key {
	case "name":
		h.Name = value
	case "created":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: invalid Created value %q", ErrCorrupt, value)
		}

		h.CreatedAt = v
	case "updated":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: invalid Updated value %q", ErrCorrupt, value)
		}

		h.UpdatedAt = v
	case "hash":
		h.Hash = strings.ToLower(value)
	case "size":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: invalid Size value %q", ErrCorrupt, value)
		}

		h.Size = v
	case "type":
		h.Type = ContentType(strings.ToLower(value))
	default:
		return fmt.Errorf("%w: unknown header key %q", ErrCorrupt, key)
	}

	return nil
}

func validateHeader(h header) error {
	if h.Name == "" {
		return fmt.Errorf("%w: missing Name header", ErrCorrupt)
	}

	if h.Hash == "" {
		return fmt.Errorf("%w: missing Hash header", ErrCorrupt)
	}

	switch h.Type {
	case ContentText, ContentStructured, ContentBinary:
	default:
		return fmt.Errorf("%w: unrecognized Type header %q", ErrCorrupt, h.Type)
	}

	return nil
}

// detectContentType classifies content the way auto-detection does: a
// structured document (valid JSON or YAML) first, then plain printable UTF-8
// text, otherwise binary.
func detectContentType(content []byte) ContentType {
	if isStructured(content) {
		return ContentStructured
	}

	if isPrintableText(content) {
		return ContentText
	}

	return ContentBinary
}

// isStructured reports whether content parses as an actual structured
// document - a JSON/YAML object or array - rather than merely a value some
// decoder happens to accept. YAML in particular parses almost any bare
// scalar (`hello world` unmarshals cleanly into a string), so a plain
// "did it decode" check would misclassify ordinary prose as structured;
// the decoded value must be a map or slice to count.
func isStructured(content []byte) bool {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 {
		return false
	}

	var jsonVal any
	if json.Unmarshal(trimmed, &jsonVal) == nil && isContainer(jsonVal) {
		return true
	}

	var yamlVal any

	return yaml.Unmarshal(trimmed, &yamlVal) == nil && isContainer(yamlVal)
}

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	default:
		return false
	}
}

func isPrintableText(content []byte) bool {
	if !utf8.Valid(content) {
		return false
	}

	for len(content) > 0 {
		r, size := utf8.DecodeRune(content)

		if r == utf8.RuneError && size == 1 {
			return false
		}

		if r == '\t' || r == '\n' || r == '\r' {
			content = content[size:]

			continue
		}

		if r < 0x20 || r == 0x7F {
			return false
		}

		content = content[size:]
	}

	return true
}

// Package posefeed reads and writes recorded detector output and provides
// detectors that replay it or query an external pose worker.
//
// Two encodings are supported. JSON lines hold one Person object per line,
// with "null" for a tick where nobody was detected. The msgpack encoding
// frames every record with a 4-byte big-endian length; a zero-length record is
// an empty tick.
package posefeed

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

// ErrUnknownFormat is returned for an unrecognized feed encoding.
var ErrUnknownFormat = errors.New("unknown pose feed format")

// Format is a feed encoding.
type Format string

const (
	JSONLines Format = "jsonl"
	MsgPack   Format = "msgpack"
)

// ParseFormat accepts a format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "jsonl", "ndjson", "json":
		return JSONLines, nil
	case "msgpack", "mpk":
		return MsgPack, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "", fmt.Errorf("%w: %s has no extension", ErrUnknownFormat, path)
	}
	return ParseFormat(ext)
}

// Extension returns the canonical file extension including the dot.
func (f Format) Extension() string {
	if f == MsgPack {
		return ".msgpack"
	}
	return ".jsonl"
}

const maxRecordSize = 16 << 20

// Decoder reads records one at a time.
type Decoder struct {
	format  Format
	scanner *bufio.Scanner
	r       io.Reader
	line    int
}

// NewDecoder returns a decoder for r.
func NewDecoder(r io.Reader, format Format) (*Decoder, error) {
	d := &Decoder{format: format, r: r}
	switch format {
	case JSONLines:
		d.scanner = bufio.NewScanner(r)
		d.scanner.Buffer(make([]byte, 64*1024), maxRecordSize)
	case MsgPack:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, string(format))
	}
	return d, nil
}

// Next returns the next record. A nil person with a nil error is an empty
// tick. io.EOF marks the end of the feed.
func (d *Decoder) Next() (*types.Person, error) {
	if d.format == MsgPack {
		return d.nextMsgPack()
	}
	return d.nextJSON()
}

func (d *Decoder) nextJSON() (*types.Person, error) {
	for d.scanner.Scan() {
		d.line++
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if bytes.Equal(line, []byte("null")) {
			return nil, nil
		}
		var p types.Person
		if err := json.Unmarshal(line, &p); err != nil {
			return nil, fmt.Errorf("line %d: %w", d.line, err)
		}
		return &p, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (d *Decoder) nextMsgPack() (*types.Person, error) {
	payload, err := readFrame(d.r)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}
	var p types.Person
	if err := msgpack.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode msgpack record: %w", err)
	}
	return &p, nil
}

// readFrame reads one length-prefixed record. A clean end of stream before
// the prefix is io.EOF.
func readFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("truncated length prefix: %w", err)
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxRecordSize {
		return nil, fmt.Errorf("record of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read %d byte record: %w", n, err)
	}
	return payload, nil
}

func writeFrame(w io.Writer, payload []byte) (int, error) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	n, err := w.Write(prefix[:])
	if err != nil {
		return n, fmt.Errorf("write length prefix: %w", err)
	}
	m, err := w.Write(payload)
	return n + m, err
}

// ReadAll decodes every record of r.
func ReadAll(r io.Reader, format Format) ([]*types.Person, error) {
	d, err := NewDecoder(r, format)
	if err != nil {
		return nil, err
	}
	var out []*types.Person
	for {
		p, err := d.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
}

// Encoder writes records in one format.
type Encoder struct {
	format Format
	w      io.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer, format Format) (*Encoder, error) {
	if format != JSONLines && format != MsgPack {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, string(format))
	}
	return &Encoder{format: format, w: w}, nil
}

// Encode writes p, or an empty tick for nil, and returns the bytes written.
func (e *Encoder) Encode(p *types.Person) (int, error) {
	if e.format == MsgPack {
		if p == nil {
			return writeFrame(e.w, nil)
		}
		payload, err := msgpack.Marshal(p)
		if err != nil {
			return 0, fmt.Errorf("encode msgpack record: %w", err)
		}
		return writeFrame(e.w, payload)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return 0, err
	}
	return e.w.Write(append(data, '\n'))
}

// FromPose converts a track frame back into a detector record.
func FromPose(f types.PoseFrame) types.Person {
	keypoints := make(map[types.Keypoint]types.Position, len(f.Keypoints))
	for k, v := range f.Keypoints {
		keypoints[k] = v
	}
	var box *types.BoundingBox
	if f.Box != nil {
		b := *f.Box
		box = &b
	}
	return types.Person{
		TimestampMs: float64(f.Timestamp) / 1e6,
		Keypoints:   keypoints,
		Box:         box,
	}
}

package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Envelope is one wire object: a type tag plus an inline payload.
type Envelope struct {
	Type    string
	Payload any
}

// raw is the decoded form before payload typing.
type raw map[string]json.RawMessage

// Marshal flattens the payload fields beside the "type" tag.
func (e Envelope) Marshal() ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}

	out := raw{}
	if e.Payload != nil {
		body, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload for %s: %w", e.Type, err)
		}
		if len(body) > 0 && body[0] == '{' {
			if err := json.Unmarshal(body, &out); err != nil {
				return nil, fmt.Errorf("flatten payload for %s: %w", e.Type, err)
			}
		}
	}
	tag, _ := json.Marshal(e.Type)
	out["type"] = tag
	return json.Marshal(out)
}

// Decoded is an inbound wire object with its payload still raw; the router
// unmarshals it into the typed struct for the tag.
type Decoded struct {
	Type string
	Body json.RawMessage
}

// Unmarshal extracts the typed payload from the decoded object.
func (d Decoded) Unmarshal(v any) error {
	if len(d.Body) == 0 {
		return nil
	}
	return json.Unmarshal(d.Body, v)
}

// Decode parses one wire object and extracts its tag.
func Decode(line []byte) (Decoded, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Decoded{}, io.EOF
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return Decoded{}, fmt.Errorf("malformed message: %w", err)
	}
	if probe.Type == "" {
		return Decoded{}, fmt.Errorf("message missing type tag")
	}
	return Decoded{Type: probe.Type, Body: append([]byte(nil), line...)}, nil
}

// Writer emits newline-delimited envelopes to an io.Writer.
type Writer struct {
	w *bufio.Writer
}

// NewWriter wraps w for NDJSON output.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write encodes one envelope followed by a newline and flushes.
func (w *Writer) Write(e Envelope) error {
	data, err := e.Marshal()
	if err != nil {
		return err
	}
	if _, err := w.w.Write(data); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

// Reader consumes newline-delimited wire objects.
type Reader struct {
	s *bufio.Scanner
}

// NewReader wraps r for NDJSON input. Lines up to 16 MiB are accepted so
// large file payloads survive the trip.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Reader{s: s}
}

// Read returns the next decoded message, or io.EOF at stream end.
func (r *Reader) Read() (Decoded, error) {
	for r.s.Scan() {
		line := r.s.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return Decode(line)
	}
	if err := r.s.Err(); err != nil {
		return Decoded{}, err
	}
	return Decoded{}, io.EOF
}

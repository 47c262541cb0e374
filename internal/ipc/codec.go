package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Encoder writes one JSON value per line.
type Encoder struct {
	w io.Writer
}

// NewEncoder creates an Encoder over w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals v and writes it followed by a newline.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc encode: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("ipc encode: message too large: %d bytes", len(data))
	}
	data = append(data, '\n')
	_, err = e.w.Write(data)
	return err
}

// Decoder reads newline-delimited JSON values.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a Decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 4096), MaxMessageSize)
	return &Decoder{scanner: sc}
}

// Decode reads the next line into v. io.EOF signals a clean close.
func (d *Decoder) Decode(v any) error {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return err
		}
		return io.EOF
	}
	line := d.scanner.Bytes()
	if len(line) == 0 {
		return d.Decode(v)
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("ipc decode: %w", err)
	}
	return nil
}

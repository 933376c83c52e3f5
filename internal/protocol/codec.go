package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds one encoded message. Build output is relayed in
// step-output messages, so frames can be large.
const MaxFrameSize = 64 << 20

// Encoder writes messages one per line.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Encoder{enc: enc}
}

// Encode writes msg followed by a newline.
func (e *Encoder) Encode(msg Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(msg); err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type(), err)
	}
	return nil
}

// Decoder reads messages one per line and validates them.
type Decoder struct {
	scanner *bufio.Scanner
	schema  *Schema
}

// NewDecoder returns a decoder reading from r. If schema is nil only the
// structural check of Validate is applied.
func NewDecoder(r io.Reader, schema *Schema) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	return &Decoder{scanner: scanner, schema: schema}
}

// Decode returns the next message.
//
// io.EOF means the peer closed the stream. A *ValidationError means one frame
// was rejected; the stream is still usable and the caller may keep decoding.
// Rejected frames that parsed as a JSON object are returned alongside the
// error so the receiver can still answer them.
//
// A frame carrying protocol_version is version-checked before its fields,
// since clients speaking another version may send another field set.
func (d *Decoder) Decode() (Message, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil || msg == nil {
			return nil, &ValidationError{Code: ErrCodeMalformed, Message: "frame is not a JSON object"}
		}

		if _, ok := msg["protocol_version"]; ok {
			if err := CheckVersion(msg); err != nil {
				return msg, err
			}
		}

		var err error
		if d.schema != nil {
			err = d.schema.Validate(msg)
		} else {
			err = Validate(msg)
		}
		if err != nil {
			return msg, err
		}
		return msg, nil
	}

	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return nil, io.EOF
}

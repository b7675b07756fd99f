// SPDX-License-Identifier: MIT

package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame. Control traffic is small; anything
// larger is a broken or hostile peer.
const MaxFrameSize = 1 << 20

// Reader yields one Message per newline-terminated frame.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader wraps r with frame scanning.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), MaxFrameSize)
	return &Reader{sc: sc}
}

// ReadMessage returns the next complete frame. io.EOF signals an orderly
// remote close; a scanner error is transport-fatal.
func (r *Reader) ReadMessage() (Message, error) {
	for r.sc.Scan() {
		line := r.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		return Decode(line)
	}
	if err := r.sc.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}

// WriteFrame writes v as one newline-terminated frame.
func WriteFrame(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(b) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(b))
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

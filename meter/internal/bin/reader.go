package bin

import (
	"errors"
	"fmt"
)

// ErrOverflow is returned when a LEB128 value exceeds the maximum size.
var ErrOverflow = errors.New("leb128: overflow")

// Reader walks a byte slice with position tracking and WASM-specific read
// methods. Unlike an io.Reader it allows cheap slicing of already-consumed
// regions, which the rewriter uses to copy immediates through untouched.
type Reader struct {
	data []byte
	pos  int
}

// NewReader creates a Reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Pos returns the current byte position.
func (r *Reader) Pos() int {
	return r.pos
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

// Since returns the raw bytes consumed since mark.
func (r *Reader) Since(mark int) []byte {
	return r.data[mark:r.pos]
}

// Byte reads a single byte.
func (r *Reader) Byte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("unexpected end of section at offset %d", r.pos)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// Bytes reads exactly n bytes.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, fmt.Errorf("unexpected end of section: need %d bytes at offset %d", n, r.pos)
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// Skip discards exactly n bytes.
func (r *Reader) Skip(n int) error {
	_, err := r.Bytes(n)
	return err
}

// U32 reads an unsigned LEB128 encoded uint32.
func (r *Reader) U32() (uint32, error) {
	var result uint32
	var shift uint
	for {
		b, err := r.Byte()
		if err != nil {
			return 0, err
		}
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 35 {
			return 0, ErrOverflow
		}
	}
}

// S64 reads a signed LEB128 value of up to 64 bits. Block types (s33) and
// constant immediates share this decoder; the rewriter only needs to skip
// them, not interpret them.
func (r *Reader) S64() (int64, error) {
	var result int64
	var shift uint
	for {
		b, err := r.Byte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= ^int64(0) << shift
			}
			return result, nil
		}
		if shift >= 70 {
			return 0, ErrOverflow
		}
	}
}

// Name reads a length-prefixed UTF-8 name.
func (r *Reader) Name() (string, error) {
	n, err := r.U32()
	if err != nil {
		return "", err
	}
	data, err := r.Bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"encoding/binary"
	"encoding/gob"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Stream is the byte stream a capsule is written to or read from.
//
// Read and Write follow the io.Reader and io.Writer contracts: in particular Read may return fewer bytes than
// requested, and callers needing an exact count should use io.ReadFull.
type Stream interface {
	io.Reader
	io.Writer

	// WriteString writes a length-prefixed string.
	WriteString(s string) error

	// WriteInt32 writes one int32 value.
	WriteInt32(v int32) error

	// ReadString reads a string written with WriteString.
	ReadString() (string, error)

	// ReadInt32 reads a value written with WriteInt32.
	ReadInt32() (int32, error)
}

// binaryStream encodes int32 values as 4 bytes big-endian, and strings as their int32 length followed by their
// bytes.
type binaryStream struct {
	r io.Reader
	w io.Writer
}

// NewBinaryStream returns a Stream that reads from r and writes to w, using a plain big-endian binary encoding.
// Either can be nil if the stream is used only in one direction.
func NewBinaryStream(r io.Reader, w io.Writer) Stream {
	return &binaryStream{r: r, w: w}
}

func (s *binaryStream) Read(p []byte) (int, error) {
	if s.r == nil {
		return 0, errors.New("capsule: stream not open for reading")
	}
	return s.r.Read(p)
}

func (s *binaryStream) Write(p []byte) (int, error) {
	if s.w == nil {
		return 0, errors.New("capsule: stream not open for writing")
	}
	return s.w.Write(p)
}

func (s *binaryStream) WriteInt32(v int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	_, err := s.Write(buf[:])
	return errors.Wrap(err, "capsule: failed to write int32")
}

func (s *binaryStream) WriteString(str string) error {
	if len(str) > math.MaxInt32 {
		return errors.Errorf("capsule: string of %d bytes is too long", len(str))
	}
	if err := s.WriteInt32(int32(len(str))); err != nil {
		return err
	}
	_, err := io.WriteString(s, str)
	return errors.Wrap(err, "capsule: failed to write string")
}

func (s *binaryStream) ReadInt32() (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(s, buf[:]); err != nil {
		return 0, errors.Wrap(err, "capsule: failed to read int32")
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

func (s *binaryStream) ReadString() (string, error) {
	n, err := s.ReadInt32()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", errors.Errorf("capsule: invalid string length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s, buf); err != nil {
		return "", errors.Wrapf(err, "capsule: failed to read string of %d bytes", n)
	}
	return string(buf), nil
}

// gobStream encodes each call as one gob value. Bytes written with Write are sent as []byte chunks, which Read
// may return across several calls.
type gobStream struct {
	enc     *gob.Encoder
	dec     *gob.Decoder
	pending []byte
}

// NewGobStream returns a Stream over gob encoder and decoder, for instance to embed a capsule into a larger gob
// exchange. Either can be nil if the stream is used only in one direction.
func NewGobStream(enc *gob.Encoder, dec *gob.Decoder) Stream {
	return &gobStream{enc: enc, dec: dec}
}

func (s *gobStream) encode(v any) error {
	if s.enc == nil {
		return errors.New("capsule: stream not open for writing")
	}
	return s.enc.Encode(v)
}

func (s *gobStream) decode(v any) error {
	if s.dec == nil {
		return errors.New("capsule: stream not open for reading")
	}
	if len(s.pending) > 0 {
		return errors.Errorf("capsule: %d bytes of a previous chunk were not read", len(s.pending))
	}
	return s.dec.Decode(v)
}

func (s *gobStream) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := s.encode(p); err != nil {
		return 0, errors.Wrap(err, "capsule: failed to write bytes")
	}
	return len(p), nil
}

func (s *gobStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(s.pending) == 0 {
		var chunk []byte
		if err := s.decode(&chunk); err != nil {
			if err == io.EOF {
				return 0, io.EOF
			}
			return 0, errors.Wrap(err, "capsule: failed to read bytes")
		}
		s.pending = chunk
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *gobStream) WriteInt32(v int32) error {
	return errors.Wrap(s.encode(v), "capsule: failed to write int32")
}

func (s *gobStream) WriteString(str string) error {
	return errors.Wrap(s.encode(str), "capsule: failed to write string")
}

func (s *gobStream) ReadInt32() (int32, error) {
	var v int32
	err := s.decode(&v)
	return v, errors.Wrap(err, "capsule: failed to read int32")
}

func (s *gobStream) ReadString() (string, error) {
	var str string
	err := s.decode(&str)
	return str, errors.Wrap(err, "capsule: failed to read string")
}

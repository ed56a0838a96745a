package vm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// ---------------------------------------------------------------------------
// Serializer: endian-aware read/write cursor over a byte buffer
// ---------------------------------------------------------------------------

// SerializerMode selects whether a Serializer reads or writes. The mode is
// fixed for the lifetime of the handle.
type SerializerMode int

const (
	SerializerReader SerializerMode = iota
	SerializerWriter
)

func (m SerializerMode) String() string {
	if m == SerializerWriter {
		return "writer"
	}
	return "reader"
}

// Endianness is the byte order a Serializer encodes multi-byte scalars in.
type Endianness int

const (
	EndianNative Endianness = iota
	EndianLittle
	EndianBig
)

func (e Endianness) String() string {
	switch e {
	case EndianLittle:
		return "little"
	case EndianBig:
		return "big"
	default:
		return "native"
	}
}

// HostEndianness reports the platform's native byte order as either
// EndianLittle or EndianBig.
func HostEndianness() Endianness {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], 1)
	if b[0] == 1 {
		return EndianLittle
	}
	return EndianBig
}

// Resolve maps EndianNative to the concrete host order.
func (e Endianness) Resolve() Endianness {
	if e == EndianNative {
		return HostEndianness()
	}
	return e
}

// byteOrder returns the encoder for the resolved endianness. Native and the
// matching explicit order share the host encoder, so no reversal happens.
func (e Endianness) byteOrder() binary.ByteOrder {
	if e.Resolve() == EndianBig {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// minSerializerCapacity is the first capacity reserved by a writer.
const minSerializerCapacity = 64

// Serializer is a single read-XOR-write cursor over an in-memory buffer.
type Serializer struct {
	mode   SerializerMode
	endian Endianness
	order  binary.ByteOrder
	alloc  Allocator

	buf    []byte // backing storage, len(buf) is the reserved capacity
	length int    // bytes of valid data
	pos    int
}

// SerializerOption configures a Serializer.
type SerializerOption func(*Serializer)

// WithSerializerAllocator routes the serializer's buffer through a.
func WithSerializerAllocator(a Allocator) SerializerOption {
	return func(s *Serializer) {
		if a != nil {
			s.alloc = a
		}
	}
}

// NewSerializer creates a serializer in the given mode and endianness.
func NewSerializer(mode SerializerMode, endian Endianness, opts ...SerializerOption) (*Serializer, error) {
	if mode != SerializerReader && mode != SerializerWriter {
		return nil, fmt.Errorf("new serializer: mode %d: %w", mode, ErrInvalidArg)
	}
	if endian < EndianNative || endian > EndianBig {
		return nil, fmt.Errorf("new serializer: endianness %d: %w", endian, ErrInvalidArg)
	}
	s := &Serializer{
		mode:   mode,
		endian: endian,
		order:  endian.byteOrder(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.alloc == nil {
		s.alloc = DefaultAllocator()
	}
	return s, nil
}

// NewReaderFromBytes is shorthand for a reader loaded with data.
func NewReaderFromBytes(data []byte, endian Endianness, opts ...SerializerOption) (*Serializer, error) {
	s, err := NewSerializer(SerializerReader, endian, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.LoadFromBuffer(data); err != nil {
		return nil, err
	}
	return s, nil
}

// Mode returns the serializer's mode.
func (s *Serializer) Mode() SerializerMode { return s.mode }

// Endianness returns the configured target endianness.
func (s *Serializer) Endianness() Endianness { return s.endian }

// Position returns the cursor offset.
func (s *Serializer) Position() int { return s.pos }

// Len returns the number of valid bytes in the buffer.
func (s *Serializer) Len() int { return s.length }

// Bytes returns a view of the valid bytes. The view is invalidated by the
// next write that grows the buffer.
func (s *Serializer) Bytes() []byte { return s.buf[:s.length] }

// SetPosition moves the cursor. Positions past the end fail with
// ErrInvalidArg.
func (s *Serializer) SetPosition(pos int) error {
	if s == nil {
		return ErrInvalidArg
	}
	if pos < 0 || pos > s.length {
		return fmt.Errorf("set position %d (length %d): %w", pos, s.length, ErrInvalidArg)
	}
	s.pos = pos
	return nil
}

// Dispose releases the backing buffer to the allocator.
func (s *Serializer) Dispose() {
	if s == nil || s.buf == nil {
		return
	}
	s.alloc.Free(s.buf)
	s.buf = nil
	s.length = 0
	s.pos = 0
}

// ---------------------------------------------------------------------------
// Stream loading and saving
// ---------------------------------------------------------------------------

// LoadFromBuffer replaces the whole backing buffer with a copy of data.
// Readers rewind to 0; writers move to the end so writes append.
func (s *Serializer) LoadFromBuffer(data []byte) error {
	if s == nil {
		return ErrInvalidArg
	}
	if s.buf != nil {
		s.alloc.Free(s.buf)
	}
	s.buf = s.alloc.Alloc(len(data))
	copy(s.buf, data)
	s.length = len(data)
	if s.mode == SerializerWriter {
		s.pos = s.length
	} else {
		s.pos = 0
	}
	return nil
}

// LoadFromFile replaces the backing buffer with the contents of path.
func (s *Serializer) LoadFromFile(path string) error {
	if s == nil {
		return ErrInvalidArg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load stream %s: %v: %w", path, err, ErrFailedToOpenFile)
	}
	return s.LoadFromBuffer(data)
}

// SaveToBuffer returns a copy of the written bytes. Writer mode only.
func (s *Serializer) SaveToBuffer() ([]byte, error) {
	if s == nil {
		return nil, ErrInvalidArg
	}
	if s.mode != SerializerWriter {
		return nil, fmt.Errorf("save stream: %w", ErrInvalidType)
	}
	return bytes.Clone(s.buf[:s.length]), nil
}

// SaveToFile writes the written bytes to path. Writer mode only.
func (s *Serializer) SaveToFile(path string) error {
	data, err := s.SaveToBuffer()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("save stream %s: %v: %w", path, err, ErrFailedToOpenFile)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// reserve grows the backing buffer geometrically until it holds n bytes.
func (s *Serializer) reserve(n int) {
	if n <= len(s.buf) {
		return
	}
	newCap := len(s.buf) * 2
	if newCap < minSerializerCapacity {
		newCap = minSerializerCapacity
	}
	for newCap < n {
		newCap *= 2
	}
	if s.buf == nil {
		s.buf = s.alloc.Alloc(newCap)
		return
	}
	s.buf = s.alloc.Realloc(s.buf, newCap)
}

// claim returns the n-byte window at the cursor, advancing it and extending
// the length when the write runs past the end.
func (s *Serializer) claim(n int) ([]byte, error) {
	if s == nil {
		return nil, ErrInvalidArg
	}
	if s.mode != SerializerWriter {
		return nil, fmt.Errorf("write in %s mode: %w", s.mode, ErrInvalidType)
	}
	end := s.pos + n
	s.reserve(end)
	window := s.buf[s.pos:end]
	s.pos = end
	if end > s.length {
		s.length = end
	}
	return window, nil
}

func (s *Serializer) WriteBool(v bool) error {
	var b uint8
	if v {
		b = 1
	}
	return s.WriteUint8(b)
}

// WriteBool32 writes a boolean as a 4-byte integer, as the module format does.
func (s *Serializer) WriteBool32(v bool) error {
	var b uint32
	if v {
		b = 1
	}
	return s.WriteUint32(b)
}

func (s *Serializer) WriteInt8(v int8) error { return s.WriteUint8(uint8(v)) }

func (s *Serializer) WriteInt16(v int16) error { return s.WriteUint16(uint16(v)) }

func (s *Serializer) WriteInt32(v int32) error { return s.WriteUint32(uint32(v)) }

func (s *Serializer) WriteInt64(v int64) error { return s.WriteUint64(uint64(v)) }

func (s *Serializer) WriteUint8(v uint8) error {
	w, err := s.claim(1)
	if err != nil {
		return err
	}
	w[0] = v
	return nil
}

func (s *Serializer) WriteUint16(v uint16) error {
	w, err := s.claim(2)
	if err != nil {
		return err
	}
	s.order.PutUint16(w, v)
	return nil
}

func (s *Serializer) WriteUint32(v uint32) error {
	w, err := s.claim(4)
	if err != nil {
		return err
	}
	s.order.PutUint32(w, v)
	return nil
}

func (s *Serializer) WriteUint64(v uint64) error {
	w, err := s.claim(8)
	if err != nil {
		return err
	}
	s.order.PutUint64(w, v)
	return nil
}

func (s *Serializer) WriteFloat32(v float32) error { return s.WriteUint32(math.Float32bits(v)) }

func (s *Serializer) WriteFloat64(v float64) error { return s.WriteUint64(math.Float64bits(v)) }

// WriteBuffer appends raw bytes without any byte-order conversion.
func (s *Serializer) WriteBuffer(p []byte) error {
	w, err := s.claim(len(p))
	if err != nil {
		return err
	}
	copy(w, p)
	return nil
}

// WriteCString writes str followed by a null terminator.
func (s *Serializer) WriteCString(str string) error {
	w, err := s.claim(len(str) + 1)
	if err != nil {
		return err
	}
	copy(w, str)
	w[len(str)] = 0
	return nil
}

// ---------------------------------------------------------------------------
// Reading
// ---------------------------------------------------------------------------

// take returns the next n bytes and advances the cursor. On failure the
// cursor does not move.
func (s *Serializer) take(n int) ([]byte, error) {
	if s == nil {
		return nil, ErrInvalidArg
	}
	if s.mode != SerializerReader {
		return nil, fmt.Errorf("read in %s mode: %w", s.mode, ErrInvalidType)
	}
	if n < 0 || s.pos+n > s.length {
		return nil, fmt.Errorf("read %d bytes at %d (length %d): %w", n, s.pos, s.length, ErrStreamEnd)
	}
	p := s.buf[s.pos : s.pos+n]
	s.pos += n
	return p, nil
}

func (s *Serializer) ReadBool() (bool, error) {
	v, err := s.ReadUint8()
	return v != 0, err
}

// ReadBool32 reads a 4-byte boolean.
func (s *Serializer) ReadBool32() (bool, error) {
	v, err := s.ReadUint32()
	return v != 0, err
}

func (s *Serializer) ReadInt8() (int8, error) {
	v, err := s.ReadUint8()
	return int8(v), err
}

func (s *Serializer) ReadInt16() (int16, error) {
	v, err := s.ReadUint16()
	return int16(v), err
}

func (s *Serializer) ReadInt32() (int32, error) {
	v, err := s.ReadUint32()
	return int32(v), err
}

func (s *Serializer) ReadInt64() (int64, error) {
	v, err := s.ReadUint64()
	return int64(v), err
}

func (s *Serializer) ReadUint8() (uint8, error) {
	p, err := s.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (s *Serializer) ReadUint16() (uint16, error) {
	p, err := s.take(2)
	if err != nil {
		return 0, err
	}
	return s.order.Uint16(p), nil
}

func (s *Serializer) ReadUint32() (uint32, error) {
	p, err := s.take(4)
	if err != nil {
		return 0, err
	}
	return s.order.Uint32(p), nil
}

func (s *Serializer) ReadUint64() (uint64, error) {
	p, err := s.take(8)
	if err != nil {
		return 0, err
	}
	return s.order.Uint64(p), nil
}

func (s *Serializer) ReadFloat32() (float32, error) {
	v, err := s.ReadUint32()
	return math.Float32frombits(v), err
}

func (s *Serializer) ReadFloat64() (float64, error) {
	v, err := s.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadBuffer returns a copy of the next n bytes.
func (s *Serializer) ReadBuffer(n int) ([]byte, error) {
	p, err := s.take(n)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(p), nil
}

// ReadCString reads a null-terminated string, consuming the terminator.
func (s *Serializer) ReadCString() (string, error) {
	if s == nil {
		return "", ErrInvalidArg
	}
	if s.mode != SerializerReader {
		return "", fmt.Errorf("read in %s mode: %w", s.mode, ErrInvalidType)
	}
	end := bytes.IndexByte(s.buf[s.pos:s.length], 0)
	if end < 0 {
		return "", fmt.Errorf("unterminated string at %d: %w", s.pos, ErrStreamEnd)
	}
	str := string(s.buf[s.pos : s.pos+end])
	s.pos += end + 1
	return str, nil
}

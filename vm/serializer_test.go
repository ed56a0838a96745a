package vm

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// ---------------------------------------------------------------------------
// Serializer Tests
// ---------------------------------------------------------------------------

func TestSerializerRoundTripBothEndians(t *testing.T) {
	for _, endian := range []Endianness{EndianLittle, EndianBig, EndianNative} {
		t.Run(endian.String(), func(t *testing.T) {
			w, err := NewSerializer(SerializerWriter, endian)
			if err != nil {
				t.Fatalf("NewSerializer: %v", err)
			}
			defer w.Dispose()

			writes := []error{
				w.WriteBool(true),
				w.WriteBool32(true),
				w.WriteInt8(-5),
				w.WriteInt16(-300),
				w.WriteInt32(-70000),
				w.WriteInt64(math.MinInt64),
				w.WriteUint8(200),
				w.WriteUint16(60000),
				w.WriteUint32(4000000000),
				w.WriteUint64(math.MaxUint64),
				w.WriteFloat32(1.5),
				w.WriteFloat64(-2.25),
				w.WriteCString("hello"),
				w.WriteBuffer([]byte{1, 2, 3}),
			}
			for i, err := range writes {
				if err != nil {
					t.Fatalf("write %d: %v", i, err)
				}
			}

			data, err := w.SaveToBuffer()
			if err != nil {
				t.Fatalf("SaveToBuffer: %v", err)
			}
			r, err := NewReaderFromBytes(data, endian)
			if err != nil {
				t.Fatalf("NewReaderFromBytes: %v", err)
			}
			defer r.Dispose()

			if v, _ := r.ReadBool(); !v {
				t.Errorf("ReadBool = false")
			}
			if v, _ := r.ReadBool32(); !v {
				t.Errorf("ReadBool32 = false")
			}
			if v, _ := r.ReadInt8(); v != -5 {
				t.Errorf("ReadInt8 = %d", v)
			}
			if v, _ := r.ReadInt16(); v != -300 {
				t.Errorf("ReadInt16 = %d", v)
			}
			if v, _ := r.ReadInt32(); v != -70000 {
				t.Errorf("ReadInt32 = %d", v)
			}
			if v, _ := r.ReadInt64(); v != math.MinInt64 {
				t.Errorf("ReadInt64 = %d", v)
			}
			if v, _ := r.ReadUint8(); v != 200 {
				t.Errorf("ReadUint8 = %d", v)
			}
			if v, _ := r.ReadUint16(); v != 60000 {
				t.Errorf("ReadUint16 = %d", v)
			}
			if v, _ := r.ReadUint32(); v != 4000000000 {
				t.Errorf("ReadUint32 = %d", v)
			}
			if v, _ := r.ReadUint64(); v != math.MaxUint64 {
				t.Errorf("ReadUint64 = %d", v)
			}
			if v, _ := r.ReadFloat32(); v != 1.5 {
				t.Errorf("ReadFloat32 = %g", v)
			}
			if v, _ := r.ReadFloat64(); v != -2.25 {
				t.Errorf("ReadFloat64 = %g", v)
			}
			if v, _ := r.ReadCString(); v != "hello" {
				t.Errorf("ReadCString = %q", v)
			}
			if v, _ := r.ReadBuffer(3); len(v) != 3 || v[2] != 3 {
				t.Errorf("ReadBuffer = %v", v)
			}
			if _, err := r.ReadUint8(); !errors.Is(err, ErrStreamEnd) {
				t.Errorf("read past end: err = %v, want ErrStreamEnd", err)
			}
		})
	}
}

func TestSerializerByteOrder(t *testing.T) {
	big, _ := NewSerializer(SerializerWriter, EndianBig)
	little, _ := NewSerializer(SerializerWriter, EndianLittle)
	defer big.Dispose()
	defer little.Dispose()
	big.WriteUint32(0x01020304)
	little.WriteUint32(0x01020304)

	if got := big.Bytes(); got[0] != 1 || got[3] != 4 {
		t.Errorf("big endian bytes = %v", got)
	}
	if got := little.Bytes(); got[0] != 4 || got[3] != 1 {
		t.Errorf("little endian bytes = %v", got)
	}
}

func TestSerializerStrictModes(t *testing.T) {
	w, _ := NewSerializer(SerializerWriter, EndianLittle)
	defer w.Dispose()
	if _, err := w.ReadUint32(); !errors.Is(err, ErrInvalidType) {
		t.Errorf("read from writer: err = %v, want ErrInvalidType", err)
	}

	r, _ := NewReaderFromBytes([]byte{1, 2, 3, 4}, EndianLittle)
	defer r.Dispose()
	if err := r.WriteUint8(1); !errors.Is(err, ErrInvalidType) {
		t.Errorf("write to reader: err = %v, want ErrInvalidType", err)
	}
	if _, err := r.SaveToBuffer(); !errors.Is(err, ErrInvalidType) {
		t.Errorf("SaveToBuffer on reader: err = %v, want ErrInvalidType", err)
	}

	if _, err := NewSerializer(SerializerMode(9), EndianLittle); !errors.Is(err, ErrInvalidArg) {
		t.Errorf("bad mode: err = %v, want ErrInvalidArg", err)
	}
}

func TestSerializerPositioning(t *testing.T) {
	w, _ := NewSerializer(SerializerWriter, EndianLittle)
	defer w.Dispose()
	w.WriteUint32(0)
	w.WriteUint32(7)

	if err := w.SetPosition(9); !errors.Is(err, ErrInvalidArg) {
		t.Errorf("SetPosition past end: err = %v, want ErrInvalidArg", err)
	}
	if err := w.SetPosition(0); err != nil {
		t.Fatalf("SetPosition(0): %v", err)
	}
	// overwrite in place
	w.WriteUint32(42)
	if w.Len() != 8 {
		t.Errorf("Len after overwrite = %d, want 8", w.Len())
	}

	data, _ := w.SaveToBuffer()
	r, _ := NewReaderFromBytes(data, EndianLittle)
	defer r.Dispose()
	if v, _ := r.ReadUint32(); v != 42 {
		t.Errorf("first word = %d, want 42", v)
	}
	pos := r.Position()
	if _, err := r.ReadUint64(); !errors.Is(err, ErrStreamEnd) {
		t.Errorf("short read: err = %v, want ErrStreamEnd", err)
	}
	if r.Position() != pos {
		t.Errorf("failed read moved the cursor from %d to %d", pos, r.Position())
	}
}

func TestSerializerUnterminatedString(t *testing.T) {
	r, _ := NewReaderFromBytes([]byte("abc"), EndianLittle)
	defer r.Dispose()
	if _, err := r.ReadCString(); !errors.Is(err, ErrStreamEnd) {
		t.Errorf("err = %v, want ErrStreamEnd", err)
	}
}

func TestSerializerFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.bin")

	w, _ := NewSerializer(SerializerWriter, EndianBig)
	w.WriteUint16(0xBEEF)
	if err := w.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}
	w.Dispose()

	r, _ := NewSerializer(SerializerReader, EndianBig)
	defer r.Dispose()
	if err := r.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if v, _ := r.ReadUint16(); v != 0xBEEF {
		t.Errorf("ReadUint16 = %#x", v)
	}

	if err := r.LoadFromFile(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, ErrFailedToOpenFile) {
		t.Errorf("missing file: err = %v, want ErrFailedToOpenFile", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("stream file: %v", err)
	}
}

func TestSerializerUsesAllocator(t *testing.T) {
	alloc := NewTrackingAllocator(nil)
	w, _ := NewSerializer(SerializerWriter, EndianLittle, WithSerializerAllocator(alloc))
	for i := 0; i < 100; i++ {
		w.WriteUint64(uint64(i))
	}
	if alloc.Live() == 0 {
		t.Fatalf("writer did not allocate through the allocator")
	}
	w.Dispose()
	if alloc.Live() != 0 {
		t.Errorf("Live after Dispose = %d, want 0", alloc.Live())
	}
}

package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"syscall"
)

// maxArrayLen bounds metadata arrays so a corrupt length cannot exhaust memory.
const maxArrayLen = 1 << 24

// LoadFile maps a GGUF file into memory and parses headers/metadata.
func LoadFile(path string) (*GGUFFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close() // the mapping outlives the descriptor
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < 24 {
		return nil, io.ErrUnexpectedEOF
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	file, err := Parse(data)
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, err
	}
	file.unmap = syscall.Munmap
	return file, nil
}

// Parse reads a GGUF image held in memory. Tensor data aliases data.
func Parse(data []byte) (*GGUFFile, error) {
	r := &reader{data: data}
	file := &GGUFFile{
		Data: data,
		KV:   make(map[string]interface{}),
	}

	file.Header.Magic = r.u32()
	if r.err == nil && file.Header.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}
	file.Header.Version = r.u32()
	if r.err == nil && (file.Header.Version < 2 || file.Header.Version > 3) {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}
	file.Header.TensorCount = r.u64()
	file.Header.KVCount = r.u64()
	if r.err != nil {
		return nil, r.err
	}

	for i := uint64(0); i < file.Header.KVCount; i++ {
		k := r.str()
		typ := GGUFMetadataValueType(r.u32())
		v := r.value(typ)
		if r.err != nil {
			return nil, fmt.Errorf("metadata %d: %w", i, r.err)
		}
		file.KV[k] = v
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		name := r.str()
		n := r.u32()
		if r.err == nil && n > 8 {
			return nil, fmt.Errorf("tensor %s: %d dimensions", name, n)
		}
		dims := make([]uint64, n)
		for j := range dims {
			dims[j] = r.u64()
		}
		typ := GGMLType(r.u32())
		off := r.u64()
		if r.err != nil {
			return nil, fmt.Errorf("tensor info %d: %w", i, r.err)
		}
		file.Tensors = append(file.Tensors, &TensorInfo{
			Name:       name,
			Dimensions: dims,
			Type:       typ,
			Offset:     off,
		})
	}

	alignment := uint64(DefaultAlignment)
	if a, ok := file.Uint(AlignmentKey); ok && a > 0 {
		alignment = a
	}
	file.DataOffset = align(r.off, alignment)

	for _, t := range file.Tensors {
		if t.Type.ElementSize() == 0 {
			continue
		}
		start := file.DataOffset + t.Offset
		end := start + t.SizeBytes()
		if start < file.DataOffset || end < start || end > uint64(len(data)) {
			return nil, fmt.Errorf("tensor %s: data [%d, %d) out of bounds (%d bytes)", t.Name, start, end, len(data))
		}
		t.Data = data[start:end:end]
	}
	return file, nil
}

// Close unmaps the file. Parsed images have nothing to release.
func (f *GGUFFile) Close() error {
	if f.unmap == nil {
		return nil
	}
	unmap := f.unmap
	f.unmap = nil
	return unmap(f.Data)
}

func align(off, alignment uint64) uint64 {
	if rem := off % alignment; rem != 0 {
		off += alignment - rem
	}
	return off
}

// reader is a bounds-checked cursor. The first short read sticks in err and
// every later read returns zero values.
type reader struct {
	data []byte
	off  uint64
	err  error
}

func (r *reader) next(n uint64) []byte {
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.data)) || r.off > uint64(len(r.data))-n {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.next(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.next(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.next(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.next(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) str() string {
	n := r.u64()
	return string(r.next(n))
}

func (r *reader) value(typ GGUFMetadataValueType) interface{} {
	switch typ {
	case GGUFMetadataValueTypeUint8:
		return r.u8()
	case GGUFMetadataValueTypeInt8:
		return int8(r.u8())
	case GGUFMetadataValueTypeUint16:
		return r.u16()
	case GGUFMetadataValueTypeInt16:
		return int16(r.u16())
	case GGUFMetadataValueTypeUint32:
		return r.u32()
	case GGUFMetadataValueTypeInt32:
		return int32(r.u32())
	case GGUFMetadataValueTypeFloat32:
		return math.Float32frombits(r.u32())
	case GGUFMetadataValueTypeBool:
		return r.u8() != 0
	case GGUFMetadataValueTypeString:
		return r.str()
	case GGUFMetadataValueTypeUint64:
		return r.u64()
	case GGUFMetadataValueTypeInt64:
		return int64(r.u64())
	case GGUFMetadataValueTypeFloat64:
		return math.Float64frombits(r.u64())
	case GGUFMetadataValueTypeArray:
		elem := GGUFMetadataValueType(r.u32())
		n := r.u64()
		if r.err != nil {
			return nil
		}
		if n > maxArrayLen {
			r.err = fmt.Errorf("array of %d elements", n)
			return nil
		}
		arr := make([]interface{}, 0, n)
		for i := uint64(0); i < n && r.err == nil; i++ {
			arr = append(arr, r.value(elem))
		}
		return arr
	default:
		if r.err == nil {
			r.err = fmt.Errorf("unsupported metadata type: %d", typ)
		}
		return nil
	}
}

package gguf

import "fmt"

const (
	GGUFMagic   = 0x46554747 // "GGUF"
	GGUFVersion = 3

	// DefaultAlignment applies when general.alignment is absent.
	DefaultAlignment = 32
	AlignmentKey     = "general.alignment"
)

type GGMLType uint32

// Only the plain element types are readable here. Block-quantized types are
// listed so that files holding them fail with a useful name.
const (
	GGMLTypeF32  GGMLType = 0
	GGMLTypeF16  GGMLType = 1
	GGMLTypeQ4_0 GGMLType = 2
	GGMLTypeQ8_0 GGMLType = 8
	GGMLTypeQ4_K GGMLType = 12
	GGMLTypeQ6_K GGMLType = 14
	GGMLTypeI8   GGMLType = 24
	GGMLTypeTQ1  GGMLType = 34
	GGMLTypeTQ2  GGMLType = 35
)

// ElementSize is the byte width of one element, or 0 for block types.
func (t GGMLType) ElementSize() int {
	switch t {
	case GGMLTypeF32:
		return 4
	case GGMLTypeF16:
		return 2
	case GGMLTypeI8:
		return 1
	}
	return 0
}

func (t GGMLType) String() string {
	switch t {
	case GGMLTypeF32:
		return "F32"
	case GGMLTypeF16:
		return "F16"
	case GGMLTypeQ4_0:
		return "Q4_0"
	case GGMLTypeQ8_0:
		return "Q8_0"
	case GGMLTypeQ4_K:
		return "Q4_K"
	case GGMLTypeQ6_K:
		return "Q6_K"
	case GGMLTypeI8:
		return "I8"
	case GGMLTypeTQ1:
		return "TQ1_0"
	case GGMLTypeTQ2:
		return "TQ2_0"
	default:
		return fmt.Sprintf("UNKNOWN_TYPE_%d", t)
	}
}

type GGUFMetadataValueType uint32

const (
	GGUFMetadataValueTypeUint8   GGUFMetadataValueType = 0
	GGUFMetadataValueTypeInt8    GGUFMetadataValueType = 1
	GGUFMetadataValueTypeUint16  GGUFMetadataValueType = 2
	GGUFMetadataValueTypeInt16   GGUFMetadataValueType = 3
	GGUFMetadataValueTypeUint32  GGUFMetadataValueType = 4
	GGUFMetadataValueTypeInt32   GGUFMetadataValueType = 5
	GGUFMetadataValueTypeFloat32 GGUFMetadataValueType = 6
	GGUFMetadataValueTypeBool    GGUFMetadataValueType = 7
	GGUFMetadataValueTypeString  GGUFMetadataValueType = 8
	GGUFMetadataValueTypeArray   GGUFMetadataValueType = 9
	GGUFMetadataValueTypeUint64  GGUFMetadataValueType = 10
	GGUFMetadataValueTypeInt64   GGUFMetadataValueType = 11
	GGUFMetadataValueTypeFloat64 GGUFMetadataValueType = 12
)

type TensorInfo struct {
	Name       string
	Dimensions []uint64 // ne, innermost first
	Type       GGMLType
	Offset     uint64 // relative to DataOffset
	Data       []byte // exactly SizeBytes long, aliases File.Data
}

// Elements is the product of the dimensions.
func (t *TensorInfo) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Dimensions {
		n *= d
	}
	return n
}

func (t *TensorInfo) SizeBytes() uint64 {
	return t.Elements() * uint64(t.Type.ElementSize())
}

// Shape returns the dimensions outermost first, the order row-major callers use.
func (t *TensorInfo) Shape() []int {
	shape := make([]int, len(t.Dimensions))
	for i, d := range t.Dimensions {
		shape[len(shape)-1-i] = int(d)
	}
	return shape
}

type GGUFFile struct {
	Header     GGUFHeader
	KV         map[string]interface{}
	Tensors    []*TensorInfo
	Data       []byte
	DataOffset uint64

	unmap func([]byte) error
}

type GGUFHeader struct {
	Magic       uint32
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

// Tensor looks a tensor up by name.
func (f *GGUFFile) Tensor(name string) (*TensorInfo, bool) {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Uint reads an unsigned or non-negative signed integer metadata value.
func (f *GGUFFile) Uint(key string) (uint64, bool) {
	switch v := f.KV[key].(type) {
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case int32:
		if v >= 0 {
			return uint64(v), true
		}
	case int64:
		if v >= 0 {
			return uint64(v), true
		}
	}
	return 0, false
}

func (f *GGUFFile) StringValue(key string) (string, bool) {
	s, ok := f.KV[key].(string)
	return s, ok
}

type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid GGUF magic: %x", e.Magic)
}

type ErrUnsupportedVersion struct{ Version uint32 }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported GGUF version: %d", e.Version)
}

// ErrUnsupportedType is returned for tensors stored in a block-quantized type.
type ErrUnsupportedType struct {
	Name string
	Type GGMLType
}

func (e ErrUnsupportedType) Error() string {
	return fmt.Sprintf("tensor %s: unsupported GGML type %s", e.Name, e.Type)
}
